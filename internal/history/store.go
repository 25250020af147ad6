// Package history persists users, conversations, their ordered messages and
// the records of generated images in a relational database through gorm.
// SQLite and Postgres are supported.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/comigor/unichat-go/internal/apperr"
	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/logger"
)

// Store is the gorm-backed conversation store.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.L), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	logger.L.Info("conversation store ready")
	return s, nil
}

// sqliteDSN adds a busy timeout and immediate write transactions to dsn
// unless the caller set them, so concurrent writers queue on the database
// lock instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(10000)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&userModel{},
		&conversationModel{},
		&messageModel{},
		&imageModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertUser creates the user or overwrites its profile fields.
func (s *Store) UpsertUser(ctx context.Context, u User) (*User, error) {
	var saved userModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&saved, "user_id = ?", u.UserID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			saved = userModel{
				UserID:     u.UserID,
				Name:       u.Name,
				Email:      u.Email,
				Picture:    u.Picture,
				GivenName:  u.GivenName,
				FamilyName: u.FamilyName,
			}
			return tx.Create(&saved).Error
		case err != nil:
			return err
		}
		if err := tx.Model(&saved).Updates(map[string]any{
			"name":        u.Name,
			"email":       u.Email,
			"picture":     u.Picture,
			"given_name":  u.GivenName,
			"family_name": u.FamilyName,
		}).Error; err != nil {
			return err
		}
		return tx.First(&saved, "user_id = ?", u.UserID).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, apperr.NewBadRequestError("email already registered")
	}
	if err != nil {
		return nil, apperr.NewInternalError("failed to save user", err)
	}
	return saved.toUser(), nil
}

// GetUser returns the user or a NotFound error.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewNotFoundError("user not found")
		}
		return nil, apperr.NewInternalError("failed to load user", err)
	}
	return m.toUser(), nil
}

// CountConversations returns how many conversations userID owns.
func (s *Store) CountConversations(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	if err != nil {
		return 0, apperr.NewInternalError("failed to count conversations", err)
	}
	return n, nil
}

// DeleteUser removes the user with every conversation, message and image
// record it owns.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&conversationModel{}).Select("id").Where("user_id = ?", userID)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&messageModel{}).Error; err != nil {
			return apperr.NewInternalError("failed to delete messages", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&conversationModel{}).Error; err != nil {
			return apperr.NewInternalError("failed to delete conversations", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&imageModel{}).Error; err != nil {
			return apperr.NewInternalError("failed to delete images", err)
		}
		res := tx.Where("user_id = ?", userID).Delete(&userModel{})
		if res.Error != nil {
			return apperr.NewInternalError("failed to delete user", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NewNotFoundError("user not found")
		}
		return nil
	})
}

func orderedMessages(db *gorm.DB) *gorm.DB {
	return db.Order("sequence_number ASC")
}

// GetConversation loads a conversation with its messages in sequence order.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var m conversationModel
	err := s.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewNotFoundError("conversation not found")
		}
		return nil, apperr.NewInternalError("failed to load conversation", err)
	}
	return m.toConversation(), nil
}

// GetOwnedConversation is GetConversation restricted to userID. A conversation
// owned by someone else is reported as NotFound so its existence is not leaked.
func (s *Store) GetOwnedConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, apperr.NewNotFoundError("conversation not found")
	}
	return conv, nil
}

// ListConversations returns a page of userID's conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, skip, limit int) ([]*Conversation, error) {
	var models []conversationModel
	err := s.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(skip).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, apperr.NewInternalError("failed to list conversations", err)
	}

	out := make([]*Conversation, 0, len(models))
	for _, m := range models {
		out = append(out, m.toConversation())
	}
	return out, nil
}

// DeleteConversation deletes a conversation and its messages. It fails with
// NotFound when the conversation is missing and Forbidden when userID does
// not own it.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m conversationModel
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NewNotFoundError("conversation not found")
			}
			return apperr.NewInternalError("failed to load conversation", err)
		}
		if m.UserID != userID {
			return apperr.NewForbiddenError("not authorized to delete this conversation")
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&messageModel{}).Error; err != nil {
			return apperr.NewInternalError("failed to delete messages", err)
		}
		if err := tx.Delete(&m).Error; err != nil {
			return apperr.NewInternalError("failed to delete conversation", err)
		}
		return nil
	})
}

// SaveConversation upserts conv and its messages.
func (s *Store) SaveConversation(ctx context.Context, conv *Conversation) error {
	return s.SaveExchange(ctx, conv, nil)
}

// SaveExchange upserts conv and, when img is not nil, records the generated
// image, both in one transaction.
func (s *Store) SaveExchange(ctx context.Context, conv *Conversation, img *ImageRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveConversation(tx, conv); err != nil {
			return err
		}
		if img == nil {
			return nil
		}
		return tx.Create(&imageModel{
			ID:              img.ID,
			UserID:          img.UserID,
			ConversationID:  img.ConversationID,
			Prompt:          img.Prompt,
			ImagePath:       img.ImagePath,
			IsModification:  img.IsModification,
			OriginalImageID: img.OriginalImageID,
			CreatedAt:       img.CreatedAt,
		}).Error
	})
	if err != nil {
		return apperr.NewInternalError("failed to save conversation", err)
	}
	return nil
}

// saveConversation creates the conversation when it does not exist yet.
// Otherwise, when the message count changed, the stored messages are replaced
// wholesale; when it did not, they are overwritten position by position.
// Both paths renumber messages by their index. Two concurrent saves of the
// same conversation race and the last one wins.
func saveConversation(tx *gorm.DB, conv *Conversation) error {
	if conv.Title == "" || (conv.Title == DefaultTitle && len(conv.Messages) > 0) {
		conv.Title = Title(conv.Messages)
	}

	var existing conversationModel
	err := tx.Select("id").First(&existing, "id = ?", conv.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := tx.Create(&conversationModel{
			ID:        conv.ID,
			UserID:    conv.UserID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		return insertMessages(tx, conv)
	}
	if err != nil {
		return err
	}

	if err := tx.Model(&conversationModel{ID: conv.ID}).Updates(map[string]any{
		"title":      conv.Title,
		"updated_at": conv.UpdatedAt,
	}).Error; err != nil {
		return err
	}

	var stored []messageModel
	if err := orderedMessages(tx.Where("conversation_id = ?", conv.ID)).Find(&stored).Error; err != nil {
		return err
	}

	if len(stored) != len(conv.Messages) {
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&messageModel{}).Error; err != nil {
			return err
		}
		return insertMessages(tx, conv)
	}

	for i, m := range toMessageModels(conv.ID, conv.Messages) {
		if err := tx.Model(&stored[i]).Updates(map[string]any{
			"role":            m.Role,
			"content":         m.Content,
			"name":            m.Name,
			"content_type":    m.ContentType,
			"image_url":       m.ImageURL,
			"sequence_number": i,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

func insertMessages(tx *gorm.DB, conv *Conversation) error {
	if len(conv.Messages) == 0 {
		return nil
	}
	models := toMessageModels(conv.ID, conv.Messages)
	return tx.Create(&models).Error
}
