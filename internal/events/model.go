package events

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("events: invalid event id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("events: invalid owner id")
	// ErrInvalidEventType indicates that an event type is empty or exceeds storage bounds.
	ErrInvalidEventType = errors.New("events: invalid event type")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("events: invalid unix timestamp")
)

// EventID represents a validated event identifier. Identifiers provide
// uniqueness only; their lexical order does not track creation time.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEventID, maxIdentifierLength)
	}
	return EventID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Event models one record of the append-only sync log. CreatedAtNanos is
// assigned by the server at insertion and is the sole basis for feed ordering;
// OccurredAtSeconds is the client-claimed event time and is advisory only.
type Event struct {
	EventID           string `gorm:"column:event_id;primaryKey;size:190;not null"`
	OwnerID           string `gorm:"column:owner_id;size:190;not null;index:idx_events_owner_created,priority:1"`
	EventType         string `gorm:"column:event_type;size:190;not null"`
	Payload           string `gorm:"column:payload;type:text;not null"`
	OccurredAtSeconds int64  `gorm:"column:occurred_at_s;not null"`
	CreatedAtNanos    int64  `gorm:"column:created_at_ns;not null;index:idx_events_owner_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "sync_events"
}

// IngestBatch records an applied batch idempotency marker so retried batches
// are deduplicated instead of reinserted.
type IngestBatch struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	IdempotencyKey   string `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	InsertedCount    int    `gorm:"column:inserted_count;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IngestBatch) TableName() string {
	return "sync_ingest_batches"
}

// AppendRequest describes one event submitted by a client for ingestion.
type AppendRequest struct {
	EventID    EventID
	EventType  string
	Payload    string
	OccurredAt UnixTimestamp
}

// BatchResult reports the outcome of a batch append.
type BatchResult struct {
	Inserted int
	Replayed bool
	Events   []Event
}

// FeedResult carries one page of the incremental feed. CursorStale is set
// when the supplied cursor no longer resolves to a stored event; the caller
// must restart from a cursor-less full sync.
type FeedResult struct {
	Events      []Event
	CursorStale bool
}
