package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/vibeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of the kv_entries table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db. The kv_entries table must
// already exist (see db.AutoMigrate).
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, conversationID, key string) (string, bool, error) {
	var entry models.KVEntry
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND `key` = ?", conversationID, key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s/%s: %w", conversationID, key, err)
	}
	return entry.Value, true, nil
}

func (s *GormStore) Put(ctx context.Context, conversationID, key, value string) error {
	entry := models.KVEntry{ConversationID: conversationID, Key: key, Value: value}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("store: put %s/%s: %w", conversationID, key, result.Error)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, conversationID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND `key` IN ?", conversationID, keys).
		Delete(&models.KVEntry{}).Error
	if err != nil {
		return fmt.Errorf("store: delete %s %v: %w", conversationID, keys, err)
	}
	return nil
}

func (s *GormStore) ListByKey(ctx context.Context, key string) (map[string]string, error) {
	var entries []models.KVEntry
	err := s.db.WithContext(ctx).Where("`key` = ?", key).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", key, err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.ConversationID] = e.Value
	}
	return out, nil
}
