package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNoPendingConflict indicates no pending manual conflict matches the id.
	ErrNoPendingConflict = errors.New("conflict: no pending manual conflict")
	noOpLogger           = zap.NewNop()
)

const (
	opResolverNew     = "conflict.resolver.new"
	opResolve         = "conflict.resolve"
	opPending         = "conflict.pending"
	opResolveManually = "conflict.resolve_manually"
)

// ResolverError wraps a failure with a dotted operation code.
type ResolverError struct {
	code string
	err  error
}

func (e *ResolverError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ResolverError) Unwrap() error {
	return e.err
}

func (e *ResolverError) Code() string {
	return e.code
}

func newResolverError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ResolverError{code: code, err: cause}
}

// IDProvider issues unique conflict identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// criticalFields force manual resolution for their owning types regardless of
// the default strategy: legally and financially significant state.
var criticalFields = map[string]bool{
	"attendances":  true,
	"signoff":      true,
	"payrollCalcs": true,
}

// manualTypes carry legally or financially significant state and default to
// manual review; everything else defaults to last-write-wins.
var manualTypes = map[string]bool{
	"attendance": true,
	"signoff":    true,
	"payroll":    true,
}

// ResolverConfig wires the conflict resolver.
type ResolverConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Resolver detects divergent local/remote record versions and settles them
// per a policy table, persisting every decision in the agent's durable store.
type Resolver struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewResolver validates configuration and constructs the resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, newResolverError(opResolverNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newResolverError(opResolverNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Detect compares two versions of a record. It returns nil when both sides
// carry identical timestamps, or when no field beyond bookkeeping differs.
// Otherwise it returns an unsettled Record naming the first differing field.
func (r *Resolver) Detect(local, remote Snapshot, recordType string) *Record {
	if local.Timestamp() == remote.Timestamp() {
		return nil
	}

	var conflictingField string
	for _, name := range fieldUnion(local, remote) {
		if local.Fields[name] != remote.Fields[name] {
			conflictingField = name
			break
		}
	}
	if conflictingField == "" {
		return nil
	}

	recordID := local.RecordID
	if recordID == "" {
		recordID = remote.RecordID
	}

	return &Record{
		RecordID:               recordID,
		RecordType:             recordType,
		ConflictingField:       conflictingField,
		LocalValue:             local.Fields[conflictingField],
		RemoteValue:            remote.Fields[conflictingField],
		LocalTimestampSeconds:  local.Timestamp(),
		RemoteTimestampSeconds: remote.Timestamp(),
	}
}

// PolicyFor returns the strategy for a record type and the field in
// conflict. A critical field forces manual review regardless of the type's
// default.
func (r *Resolver) PolicyFor(recordType, field string) Strategy {
	if field != "" && criticalFields[field] {
		return StrategyManual
	}
	if manualTypes[recordType] {
		return StrategyManual
	}
	return StrategyLastWriteWins
}

// Resolve settles a detected conflict with the given strategy and persists
// the decision. Automatic strategies populate the resolved value; manual
// conflicts stay pending until ResolveManually.
func (r *Resolver) Resolve(ctx context.Context, record Record, strategy Strategy) (Record, error) {
	conflictID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opResolve, "id_generation_failed", err)
		return Record{}, newResolverError(opResolve, "id_generation_failed", err)
	}
	record.ConflictID = conflictID
	record.CreatedAtNanos = r.clock().UTC().UnixNano()

	switch strategy {
	case StrategyRemoteWins:
		record.Resolution = ResolutionRemote
		record.ResolvedValue = record.RemoteValue
		record.ResolvedAtNanos = record.CreatedAtNanos
	case StrategyLocalWins:
		record.Resolution = ResolutionLocal
		record.ResolvedValue = record.LocalValue
		record.ResolvedAtNanos = record.CreatedAtNanos
	case StrategyManual:
		record.Resolution = ResolutionManual
	default:
		// Last write wins; an exact tie keeps the local version.
		if record.RemoteTimestampSeconds > record.LocalTimestampSeconds {
			record.Resolution = ResolutionRemote
			record.ResolvedValue = record.RemoteValue
		} else {
			record.Resolution = ResolutionLocal
			record.ResolvedValue = record.LocalValue
		}
		record.ResolvedAtNanos = record.CreatedAtNanos
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logError(opResolve, "insert_failed", err, zap.String("record_id", record.RecordID))
		return Record{}, newResolverError(opResolve, "insert_failed", err)
	}

	r.logger.Info("conflict resolved",
		zap.String("record_type", record.RecordType),
		zap.String("record_id", record.RecordID),
		zap.String("resolution", string(record.Resolution)),
		zap.Bool("pending", record.Pending()))
	return record, nil
}

// PendingManualConflicts lists conflicts still awaiting a user decision.
func (r *Resolver) PendingManualConflicts(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := r.db.WithContext(ctx).
		Where("resolution = ? AND resolved_at_ns = 0", ResolutionManual).
		Order("created_at_ns ASC").
		Find(&records).Error; err != nil {
		r.logError(opPending, "query_failed", err)
		return nil, newResolverError(opPending, "query_failed", err)
	}
	return records, nil
}

// ResolveManually settles a pending manual conflict with a user-chosen value.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID, resolvedValue string) (Record, error) {
	var record Record
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("conflict_id = ? AND resolution = ? AND resolved_at_ns = 0",
			conflictID, ResolutionManual).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newResolverError(opResolveManually, "not_found",
				fmt.Errorf("%w: %s", ErrNoPendingConflict, conflictID))
		}
		if err != nil {
			return newResolverError(opResolveManually, "select_failed", err)
		}

		record.ResolvedValue = resolvedValue
		record.ResolvedAtNanos = r.clock().UTC().UnixNano()
		if err := tx.Save(&record).Error; err != nil {
			return newResolverError(opResolveManually, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		r.logError(opResolveManually, "transaction_failed", txErr, zap.String("conflict_id", conflictID))
		return Record{}, txErr
	}
	return record, nil
}

// History returns every settled and pending conflict, oldest first.
func (r *Resolver) History(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := r.db.WithContext(ctx).Order("created_at_ns ASC").Find(&records).Error; err != nil {
		r.logError(opPending, "query_failed", err)
		return nil, newResolverError(opPending, "query_failed", err)
	}
	return records, nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("conflict resolver error", attrs...)
}
