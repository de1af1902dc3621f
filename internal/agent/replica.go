package agent

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/cleanops/fieldsync/internal/api"
	"github.com/cleanops/fieldsync/internal/conflict"
)

// ReplicaRecord is the local materialization of one synced record, keyed by
// its event identifier.
type ReplicaRecord struct {
	EventID           string `gorm:"column:event_id;primaryKey;size:190;not null"`
	EventType         string `gorm:"column:event_type;size:190;not null"`
	Payload           string `gorm:"column:payload;type:text;not null"`
	OccurredAtSeconds int64  `gorm:"column:occurred_at_s;not null"`
	UpdatedAtNanos    int64  `gorm:"column:updated_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicaRecord) TableName() string {
	return "sync_replica_records"
}

// ReplicaStore is the default RecordStore: it mirrors the feed into a local
// table. The stored row acts as the local version for conflict detection; the
// incoming event is the remote version.
type ReplicaStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewReplicaStore constructs a replica-backed record store.
func NewReplicaStore(db *gorm.DB, clock func() time.Time) *ReplicaStore {
	if clock == nil {
		clock = time.Now
	}
	return &ReplicaStore{db: db, clock: clock}
}

// Snapshots loads the stored row, if any, alongside the incoming event.
func (s *ReplicaStore) Snapshots(ctx context.Context, event api.FeedEvent) (conflict.Snapshot, conflict.Snapshot, bool, error) {
	remote := conflict.Snapshot{
		RecordID:         event.ID,
		UpdatedAtSeconds: event.OccurredAtSeconds,
		Fields:           map[string]string{"payload": event.Payload},
	}

	var stored ReplicaRecord
	err := s.db.WithContext(ctx).
		Where("event_id = ?", event.ID).
		First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conflict.Snapshot{}, remote, false, nil
	}
	if err != nil {
		return conflict.Snapshot{}, conflict.Snapshot{}, false, err
	}

	local := conflict.Snapshot{
		RecordID:         stored.EventID,
		UpdatedAtSeconds: stored.OccurredAtSeconds,
		Fields:           map[string]string{"payload": stored.Payload},
	}
	return local, remote, true, nil
}

// Apply commits the winning side. A local win keeps the stored row untouched.
func (s *ReplicaStore) Apply(ctx context.Context, event api.FeedEvent, winner conflict.Resolution) error {
	if winner == conflict.ResolutionLocal {
		return nil
	}

	record := ReplicaRecord{
		EventID:           event.ID,
		EventType:         event.Type,
		Payload:           event.Payload,
		OccurredAtSeconds: event.OccurredAtSeconds,
		UpdatedAtNanos:    s.clock().UTC().UnixNano(),
	}
	return s.db.WithContext(ctx).Save(&record).Error
}
