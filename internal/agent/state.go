package agent

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const cursorStateKey = "feed_cursor"

// StateEntry is one durable key/value pair of agent sync state. The feed
// cursor lives here so progress survives restarts.
type StateEntry struct {
	Key            string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value          string `gorm:"column:state_value;type:text;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateEntry) TableName() string {
	return "sync_state"
}

type stateStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func (s *stateStore) loadCursor(ctx context.Context) (string, error) {
	var entry StateEntry
	err := s.db.WithContext(ctx).
		Where("state_key = ?", cursorStateKey).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

func (s *stateStore) saveCursor(ctx context.Context, cursor string) error {
	entry := StateEntry{
		Key:            cursorStateKey,
		Value:          cursor,
		UpdatedAtNanos: s.clock().UTC().UnixNano(),
	}
	return s.db.WithContext(ctx).Save(&entry).Error
}

func (s *stateStore) clearCursor(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("state_key = ?", cursorStateKey).
		Delete(&StateEntry{}).Error
}
