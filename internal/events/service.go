package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyBatch        = errors.New("batch must contain at least one event")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "events.service.new"
	opAppend      = "events.append"
	opAppendBatch = "events.append_batch"
	opFeed        = "events.feed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 100
)

// ServiceConfig wires the event store dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues unique event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the authoritative append-only event store plus its incremental
// feed. Appends are serialized per owner so created_at_ns never regresses
// within an owner's stream; appends from different owners are independent.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	mu     sync.Mutex
	owners map[string]*ownerStream
}

type ownerStream struct {
	mu          sync.Mutex
	lastCreated int64
}

// NewService validates configuration and constructs the event store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		owners:     make(map[string]*ownerStream),
	}, nil
}

func (s *Service) stream(ownerID OwnerID) *ownerStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.owners[ownerID.String()]
	if !ok {
		stream = &ownerStream{}
		s.owners[ownerID.String()] = stream
	}
	return stream
}

// stamp returns a creation timestamp that never moves backwards within the
// owner stream, even when the wall clock does. Must be called with the
// stream lock held.
func (s *Service) stamp(stream *ownerStream) int64 {
	now := s.clock().UTC().UnixNano()
	if now < stream.lastCreated {
		now = stream.lastCreated
	}
	stream.lastCreated = now
	return now
}

// Append assigns an identifier and a server creation timestamp, persists the
// event durably, and returns the stored record.
func (s *Service) Append(ctx context.Context, ownerID OwnerID, request AppendRequest) (Event, error) {
	stream := s.stream(ownerID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	record, err := s.buildEvent(ownerID, request, s.stamp(stream))
	if err != nil {
		s.logError(opAppend, "build_event_failed", err, zap.String("owner_id", ownerID.String()))
		return Event{}, newServiceError(opAppend, "build_event_failed", err)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppend, "insert_failed", err, zap.String("owner_id", ownerID.String()))
		return Event{}, newServiceError(opAppend, "insert_failed", err)
	}

	return record, nil
}

// AppendBatch persists all requests as a single atomic unit. Events in one
// batch share a creation timestamp; a crash mid-batch leaves none of them
// visible. When an idempotency key is supplied, a retried batch is
// deduplicated and the original inserted count is returned.
func (s *Service) AppendBatch(ctx context.Context, ownerID OwnerID, requests []AppendRequest, idempotencyKey string) (BatchResult, error) {
	if len(requests) == 0 {
		s.logError(opAppendBatch, "empty_batch", errEmptyBatch, zap.String("owner_id", ownerID.String()))
		return BatchResult{}, newServiceError(opAppendBatch, "empty_batch", errEmptyBatch)
	}

	stream := s.stream(ownerID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	createdAt := s.stamp(stream)

	records := make([]Event, 0, len(requests))
	for _, request := range requests {
		record, err := s.buildEvent(ownerID, request, createdAt)
		if err != nil {
			s.logError(opAppendBatch, "build_event_failed", err, zap.String("owner_id", ownerID.String()))
			return BatchResult{}, newServiceError(opAppendBatch, "build_event_failed", err)
		}
		records = append(records, record)
	}

	result := BatchResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			var applied IngestBatch
			err := tx.Where("owner_id = ? AND idempotency_key = ?", ownerID.String(), idempotencyKey).
				Take(&applied).Error
			if err == nil {
				result = BatchResult{Inserted: applied.InsertedCount, Replayed: true}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAppendBatch, "idempotency_lookup_failed", err)
			}
		}

		for i := range records {
			if err := tx.Create(&records[i]).Error; err != nil {
				return newServiceError(opAppendBatch, "insert_failed", err)
			}
		}

		if idempotencyKey != "" {
			marker := IngestBatch{
				OwnerID:          ownerID.String(),
				IdempotencyKey:   idempotencyKey,
				InsertedCount:    len(records),
				AppliedAtSeconds: s.clock().UTC().Unix(),
			}
			if err := tx.Create(&marker).Error; err != nil {
				return newServiceError(opAppendBatch, "idempotency_insert_failed", err)
			}
		}

		result = BatchResult{Inserted: len(records), Events: records}
		return nil
	})

	if txErr != nil {
		s.logError(opAppendBatch, "transaction_failed", txErr, zap.String("owner_id", ownerID.String()))
		return BatchResult{}, txErr
	}

	return result, nil
}

func (s *Service) buildEvent(ownerID OwnerID, request AppendRequest, createdAt int64) (Event, error) {
	eventID := request.EventID.String()
	if eventID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return Event{}, err
		}
		eventID = generated
	}
	if request.EventType == "" {
		return Event{}, fmt.Errorf("%w: empty", ErrInvalidEventType)
	}
	return Event{
		EventID:           eventID,
		OwnerID:           ownerID.String(),
		EventType:         request.EventType,
		Payload:           request.Payload,
		OccurredAtSeconds: request.OccurredAt.Int64(),
		CreatedAtNanos:    createdAt,
	}, nil
}

// Feed returns events for the owner strictly newer than the cursor position,
// ordered by (created_at_ns, event_id). An absent cursor returns the oldest
// events. A cursor that no longer resolves to a stored event yields an empty
// page with CursorStale set; intervening history may be inaccessible, so the
// caller must fall back to a full resync. That is a signal, not an error.
func (s *Service) Feed(ctx context.Context, ownerID OwnerID, cursor string, limit int) (FeedResult, error) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	query := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String())

	if cursor != "" {
		pivot, ok, err := s.resolvePivot(ctx, ownerID, cursor)
		if err != nil {
			s.logError(opFeed, "pivot_lookup_failed", err, zap.String("owner_id", ownerID.String()))
			return FeedResult{}, newServiceError(opFeed, "pivot_lookup_failed", err)
		}
		if !ok {
			return FeedResult{CursorStale: true}, nil
		}
		// Tuple comparison: multiple events can share created_at_ns (batch
		// siblings), and event ids do not sort chronologically. Comparing on
		// either column alone would skip or duplicate siblings.
		query = query.Where(
			"created_at_ns > ? OR (created_at_ns = ? AND event_id > ?)",
			pivot.CreatedAtNanos, pivot.CreatedAtNanos, pivot.EventID,
		)
	}

	var page []Event
	if err := query.
		Order("created_at_ns ASC").
		Order("event_id ASC").
		Limit(limit).
		Find(&page).Error; err != nil {
		s.logError(opFeed, "query_failed", err, zap.String("owner_id", ownerID.String()))
		return FeedResult{}, newServiceError(opFeed, "query_failed", err)
	}

	return FeedResult{Events: page}, nil
}

// resolvePivot maps a cursor to the (created_at_ns, event_id) pair of the
// event it references. The cursor is an event identifier, or, for callers
// that persisted the timestamp form, the raw created_at_ns value of the last
// processed event.
func (s *Service) resolvePivot(ctx context.Context, ownerID OwnerID, cursor string) (Event, bool, error) {
	var pivot Event
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND event_id = ?", ownerID.String(), cursor).
		Take(&pivot).Error
	if err == nil {
		return pivot, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, false, err
	}

	nanos, parseErr := strconv.ParseInt(cursor, 10, 64)
	if parseErr != nil {
		return Event{}, false, nil
	}

	// Timestamp cursors resolve to the last sibling at that instant so the
	// feed resumes past every event the caller already processed.
	err = s.db.WithContext(ctx).
		Where("owner_id = ? AND created_at_ns = ?", ownerID.String(), nanos).
		Order("event_id DESC").
		Take(&pivot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return pivot, true, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("event store error", attrs...)
}
