package history

import (
	"time"
	"unicode/utf8"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType tells clients how to render a message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Valid reports whether t is empty or one of the known content types.
func (t ContentType) Valid() bool {
	return t == "" || t == ContentText || t == ContentImage
}

// DefaultTitle is used until a user message provides one.
const DefaultTitle = "New Conversation"

const titleMaxRunes = 50

// Message represents a single conversational message. Its position in
// Conversation.Messages is its sequence number.
type Message struct {
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	Name        *string     `json:"name"`
	ContentType ContentType `json:"content_type" binding:"omitempty,oneof=text image"`
	ImageURL    *string     `json:"image_url"`
}

// Conversation is an ordered message list owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User owns zero or more conversations.
type User struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Picture    *string   `json:"picture"`
	GivenName  *string   `json:"given_name"`
	FamilyName *string   `json:"family_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ImageRecord describes a generated image stored on disk.
type ImageRecord struct {
	ID              string
	UserID          string
	ConversationID  string
	Prompt          string
	ImagePath       string
	IsModification  bool
	OriginalImageID *string
	CreatedAt       time.Time
}

// Normalized returns m with an empty content type defaulted to text.
func (m Message) Normalized() Message {
	if m.ContentType == "" {
		m.ContentType = ContentText
	}
	return m
}

// SameTurn reports whether m and o have the same author role and content.
func (m Message) SameTurn(o Message) bool {
	return m.Role == o.Role && m.Content == o.Content
}

// Title derives a conversation title from the first user message, cut to
// 50 characters with a trailing ellipsis when longer.
func Title(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Content) <= titleMaxRunes {
			return m.Content
		}
		return string([]rune(m.Content)[:titleMaxRunes]) + "..."
	}
	return DefaultTitle
}
