package history

import "time"

type userModel struct {
	UserID     string  `gorm:"primaryKey;size:255"`
	Name       string  `gorm:"size:255;not null"`
	Email      string  `gorm:"size:255;not null;uniqueIndex"`
	Picture    *string `gorm:"size:1024"`
	GivenName  *string `gorm:"size:255"`
	FamilyName *string `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (userModel) TableName() string { return "users" }

type conversationModel struct {
	ID        string         `gorm:"primaryKey;size:255"`
	UserID    string         `gorm:"index;size:255;not null"`
	Title     string         `gorm:"size:255;default:New Conversation"`
	Messages  []messageModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID             uint    `gorm:"primaryKey"`
	ConversationID string  `gorm:"index:idx_messages_order,priority:1;size:255;not null"`
	SequenceNumber int     `gorm:"index:idx_messages_order,priority:2;not null"`
	Role           string  `gorm:"size:50;not null"`
	Content        string  `gorm:"type:text;not null"`
	Name           *string `gorm:"size:255"`
	ContentType    string  `gorm:"size:50;default:text"`
	ImageURL       *string `gorm:"size:1024"`
	CreatedAt      time.Time
}

func (messageModel) TableName() string { return "messages" }

type imageModel struct {
	ID              string  `gorm:"primaryKey;size:255"`
	UserID          string  `gorm:"index;size:255;not null"`
	ConversationID  string  `gorm:"index;size:255"`
	Prompt          string  `gorm:"type:text;not null"`
	ImagePath       string  `gorm:"size:1024;not null"`
	IsModification  bool    `gorm:"default:false"`
	OriginalImageID *string `gorm:"size:255"`
	CreatedAt       time.Time
}

func (imageModel) TableName() string { return "images" }

func toMessageModels(conversationID string, messages []Message) []messageModel {
	out := make([]messageModel, len(messages))
	for i, m := range messages {
		m = m.Normalized()
		out[i] = messageModel{
			ConversationID: conversationID,
			SequenceNumber: i,
			Role:           string(m.Role),
			Content:        m.Content,
			Name:           m.Name,
			ContentType:    string(m.ContentType),
			ImageURL:       m.ImageURL,
		}
	}
	return out
}

func (m messageModel) toMessage() Message {
	return Message{
		Role:        Role(m.Role),
		Content:     m.Content,
		Name:        m.Name,
		ContentType: ContentType(m.ContentType),
		ImageURL:    m.ImageURL,
	}.Normalized()
}

func (c conversationModel) toConversation() *Conversation {
	conv := &Conversation{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		Messages:  make([]Message, len(c.Messages)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for i, m := range c.Messages {
		conv.Messages[i] = m.toMessage()
	}
	return conv
}

func (u userModel) toUser() *User {
	return &User{
		UserID:     u.UserID,
		Name:       u.Name,
		Email:      u.Email,
		Picture:    u.Picture,
		GivenName:  u.GivenName,
		FamilyName: u.FamilyName,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}
