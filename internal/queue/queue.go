package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 60 * time.Second
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrItemNotFound indicates the referenced queue item does not exist.
	ErrItemNotFound = errors.New("queue: item not found")
	noOpLogger      = zap.NewNop()
)

// StoreError wraps a failure with a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew  = "queue.store.new"
	opEnqueue   = "queue.enqueue"
	opPeekReady = "queue.peek_ready"
	opComplete  = "queue.complete"
	opFail      = "queue.fail"
	opList      = "queue.list"
	opClear     = "queue.clear"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// IDProvider issues unique queue item identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig wires the durable queue dependencies.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the client's durable outbound queue. Every mutation runs in a
// transaction so a crash between steps never loses or duplicates an event.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates configuration and constructs the durable queue.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Enqueue persists a new pending event and returns its identifier. The retry
// budget is derived from the priority class.
func (s *Store) Enqueue(ctx context.Context, eventType, payload string, occurredAt int64, priority Priority) (string, error) {
	itemID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnqueue, "id_generation_failed", err)
		return "", newStoreError(opEnqueue, "id_generation_failed", err)
	}

	item := Item{
		ItemID:            itemID,
		EventType:         eventType,
		Priority:          priority,
		Payload:           payload,
		OccurredAtSeconds: occurredAt,
		MaxAttempts:       priority.MaxAttempts(),
		CreatedAtNanos:    s.clock().UTC().UnixNano(),
	}

	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		s.logError(opEnqueue, "insert_failed", err, zap.String("event_type", eventType))
		return "", newStoreError(opEnqueue, "insert_failed", err)
	}

	s.logger.Debug("queue item enqueued",
		zap.String("item_id", itemID),
		zap.String("event_type", eventType),
		zap.String("priority", string(priority)))
	return itemID, nil
}

// PeekReady returns the highest-priority item eligible for attempt: never
// attempted, or past its backoff deadline. Terminal items are never eligible.
// Ties within a priority class break by earliest enqueue time. Returns nil
// when nothing is ready.
func (s *Store) PeekReady(ctx context.Context) (*Item, error) {
	now := s.clock().UTC().UnixNano()

	var item Item
	err := s.db.WithContext(ctx).
		Where("attempts < max_attempts").
		Where("attempts = 0 OR (next_retry_ns IS NOT NULL AND next_retry_ns <= ?)", now).
		Order("CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END").
		Order("created_at_ns ASC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opPeekReady, "query_failed", err)
		return nil, newStoreError(opPeekReady, "query_failed", err)
	}
	return &item, nil
}

// Complete removes an item after confirmed server acknowledgement.
func (s *Store) Complete(ctx context.Context, itemID string) error {
	result := s.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&Item{})
	if result.Error != nil {
		s.logError(opComplete, "delete_failed", result.Error, zap.String("item_id", itemID))
		return newStoreError(opComplete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opComplete, "not_found", fmt.Errorf("%w: %s", ErrItemNotFound, itemID))
	}
	return nil
}

// Fail records a failed attempt: increments the attempt counter and schedules
// the next retry with capped exponential backoff. Once the retry budget is
// exhausted the item becomes terminal: next_retry_ns is cleared and the item
// waits for manual intervention instead of being retried or dropped.
func (s *Store) Fail(ctx context.Context, itemID string, message string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		if err := tx.Where("item_id = ?", itemID).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opFail, "not_found", fmt.Errorf("%w: %s", ErrItemNotFound, itemID))
			}
			return newStoreError(opFail, "select_failed", err)
		}

		now := s.clock().UTC()
		item.Attempts++
		item.LastError = message
		item.LastAttemptNanos = now.UnixNano()

		if item.Attempts >= item.MaxAttempts {
			item.NextRetryNanos = nil
			s.logger.Warn("queue item terminally failed",
				zap.String("item_id", item.ItemID),
				zap.String("event_type", item.EventType),
				zap.Int("attempts", item.Attempts))
		} else {
			delay := BackoffDelay(item.Attempts)
			deadline := now.Add(delay).UnixNano()
			item.NextRetryNanos = &deadline
		}

		if err := tx.Save(&item).Error; err != nil {
			return newStoreError(opFail, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opFail, "transaction_failed", txErr, zap.String("item_id", itemID))
		return txErr
	}
	return nil
}

// BackoffDelay computes the capped exponential delay before the given
// attempt number is retried: base * 2^(attempts-1), bounded by the maximum.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// ListAll returns every stored item ordered by priority then enqueue time.
func (s *Store) ListAll(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := s.db.WithContext(ctx).
		Order("CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END").
		Order("created_at_ns ASC").
		Find(&items).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", err)
	}
	return items, nil
}

// ListFailed returns items that exhausted their retry budget.
func (s *Store) ListFailed(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := s.db.WithContext(ctx).
		Where("attempts >= max_attempts").
		Order("created_at_ns ASC").
		Find(&items).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", err)
	}
	return items, nil
}

// ClearFailed removes terminally failed items, an explicit user action.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("attempts >= max_attempts").Delete(&Item{})
	if result.Error != nil {
		s.logError(opClear, "delete_failed", result.Error)
		return 0, newStoreError(opClear, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Clear removes every item, an explicit user action.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Item{}).Error; err != nil {
		s.logError(opClear, "delete_failed", err)
		return newStoreError(opClear, "delete_failed", err)
	}
	return nil
}

// Progress reports pending versus terminally failed counts.
func (s *Store) Progress(ctx context.Context) (Progress, error) {
	var total, failed int64
	if err := s.db.WithContext(ctx).Model(&Item{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return Progress{}, newStoreError(opList, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&Item{}).
		Where("attempts >= max_attempts").Count(&failed).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return Progress{}, newStoreError(opList, "count_failed", err)
	}
	return Progress{Total: total, Failed: failed, Pending: total - failed}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("durable queue error", attrs...)
}
