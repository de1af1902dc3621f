package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew = "outbox.store.new"
	opEnqueue  = "outbox.enqueue"
	opReplay   = "outbox.replay"
	opList     = "outbox.list"
	opClear    = "outbox.clear"
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

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// Request is one intercepted write captured while offline, replayed verbatim
// on reconnect.
type Request struct {
	RequestID      string `gorm:"column:request_id;primaryKey;size:190;not null"`
	Method         string `gorm:"column:method;size:16;not null"`
	URL            string `gorm:"column:url;type:text;not null"`
	HeadersJSON    string `gorm:"column:headers_json;type:text;not null"`
	Body           string `gorm:"column:body;type:text;not null"`
	Attempts       int    `gorm:"column:attempts;not null;default:0"`
	LastError      string `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null;index:idx_outbox_created"`
}

// TableName provides the explicit table binding for GORM.
func (Request) TableName() string {
	return "sync_outbox_requests"
}

// Headers decodes the persisted header map.
func (r Request) Headers() (map[string]string, error) {
	headers := map[string]string{}
	if strings.TrimSpace(r.HeadersJSON) == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(r.HeadersJSON), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// Doer executes an HTTP request; *http.Client satisfies it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// IDProvider issues unique request identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig wires the outbox store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists intercepted write requests awaiting replay. Replay preserves
// submission order and stops at the first delivery failure so later writes
// never overtake an earlier one.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates configuration and constructs the outbox store.
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

// Enqueue captures a write request for later replay.
func (s *Store) Enqueue(ctx context.Context, method, url string, headers map[string]string, body string) (string, error) {
	requestID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnqueue, "id_generation_failed", err)
		return "", newStoreError(opEnqueue, "id_generation_failed", err)
	}

	headersJSON := "{}"
	if len(headers) > 0 {
		encoded, err := json.Marshal(headers)
		if err != nil {
			s.logError(opEnqueue, "headers_encode_failed", err)
			return "", newStoreError(opEnqueue, "headers_encode_failed", err)
		}
		headersJSON = string(encoded)
	}

	request := Request{
		RequestID:      requestID,
		Method:         method,
		URL:            url,
		HeadersJSON:    headersJSON,
		Body:           body,
		CreatedAtNanos: s.clock().UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&request).Error; err != nil {
		s.logError(opEnqueue, "insert_failed", err, zap.String("url", url))
		return "", newStoreError(opEnqueue, "insert_failed", err)
	}
	return requestID, nil
}

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Delivered int
	Remaining int
	Stopped   bool
}

// Replay sends pending requests in capture order. A network error or a
// server-side failure stops the pass with the failed request still queued;
// client-side rejections are treated as delivered since a verbatim retry
// cannot succeed either.
func (s *Store) Replay(ctx context.Context, doer Doer) (ReplayReport, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{Remaining: len(pending)}
	for _, queued := range pending {
		if ctx.Err() != nil {
			report.Stopped = true
			return report, ctx.Err()
		}

		if err := s.deliver(ctx, doer, queued); err != nil {
			report.Stopped = true
			s.logger.Warn("outbox replay stopped",
				zap.String("request_id", queued.RequestID),
				zap.String("url", queued.URL),
				zap.Error(err))
			if recordErr := s.recordFailure(ctx, queued, err); recordErr != nil {
				return report, recordErr
			}
			return report, nil
		}

		if err := s.db.WithContext(ctx).
			Where("request_id = ?", queued.RequestID).
			Delete(&Request{}).Error; err != nil {
			return report, newStoreError(opReplay, "delete_failed", err)
		}
		report.Delivered++
		report.Remaining--
	}
	return report, nil
}

func (s *Store) deliver(ctx context.Context, doer Doer, queued Request) error {
	headers, err := queued.Headers()
	if err != nil {
		return newStoreError(opReplay, "headers_decode_failed", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, queued.Method, queued.URL, strings.NewReader(queued.Body))
	if err != nil {
		return newStoreError(opReplay, "request_build_failed", err)
	}
	for name, value := range headers {
		httpRequest.Header.Set(name, value)
	}

	response, err := doer.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("server responded %d", response.StatusCode)
	}
	return nil
}

func (s *Store) recordFailure(ctx context.Context, queued Request, cause error) error {
	updates := map[string]interface{}{
		"attempts":   queued.Attempts + 1,
		"last_error": cause.Error(),
	}
	if err := s.db.WithContext(ctx).Model(&Request{}).
		Where("request_id = ?", queued.RequestID).
		Updates(updates).Error; err != nil {
		return newStoreError(opReplay, "failure_record_failed", err)
	}
	return nil
}

// Pending lists captured requests in replay order.
func (s *Store) Pending(ctx context.Context) ([]Request, error) {
	var pending []Request
	if err := s.db.WithContext(ctx).
		Order("created_at_ns ASC").
		Find(&pending).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", err)
	}
	return pending, nil
}

// Clear removes every captured request, an explicit user action.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Request{}).Error; err != nil {
		s.logError(opClear, "delete_failed", err)
		return newStoreError(opClear, "delete_failed", err)
	}
	return nil
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
	s.logger.Error("outbox error", attrs...)
}
