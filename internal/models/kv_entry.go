package models

import "time"

// KVEntry is one persisted value in a conversation's key/value namespace.
type KVEntry struct {
	ConversationID string `gorm:"primaryKey;size:128"`
	Key            string `gorm:"primaryKey;size:64;index"`
	Value          string `gorm:"type:longtext"`
	UpdatedAt      time.Time
}
