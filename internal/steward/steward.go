package steward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cleanops/fieldsync/internal/conflict"
	"github.com/cleanops/fieldsync/internal/outbox"
	"github.com/cleanops/fieldsync/internal/queue"
)

const (
	// DefaultLowThresholdPercent marks storage as low once usage crosses it.
	DefaultLowThresholdPercent = 80.0
	// DefaultRetention bounds how long settled records survive eviction.
	DefaultRetention = 30 * 24 * time.Hour
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingDatabasePath = errors.New("database path is required")
	errInvalidQuota        = errors.New("quota must be positive")
	noOpLogger             = zap.NewNop()
)

const (
	opStewardNew = "steward.new"
	opUsage      = "steward.usage"
	opEvict      = "steward.evict"
	opWipe       = "steward.wipe"
)

// StewardError wraps a failure with a dotted operation code.
type StewardError struct {
	code string
	err  error
}

func (e *StewardError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StewardError) Unwrap() error {
	return e.err
}

func (e *StewardError) Code() string {
	return e.code
}

func newStewardError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StewardError{code: code, err: cause}
}

// Info reports local storage consumption against the configured quota.
type Info struct {
	UsedBytes      int64
	QuotaBytes     int64
	Percent        float64
	AvailableBytes int64
}

// StewardConfig wires the storage steward.
type StewardConfig struct {
	Database            *gorm.DB
	DatabasePath        string
	QuotaBytes          int64
	LowThresholdPercent float64
	Retention           time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Steward watches the agent database footprint and reclaims space from
// records that no longer feed the sync pipeline. Items still eligible for
// retry are never touched.
type Steward struct {
	db           *gorm.DB
	databasePath string
	quotaBytes   int64
	lowThreshold float64
	retention    time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// NewSteward validates configuration and constructs the steward.
func NewSteward(cfg StewardConfig) (*Steward, error) {
	if cfg.Database == nil {
		return nil, newStewardError(opStewardNew, "missing_database", errMissingDatabase)
	}
	if cfg.DatabasePath == "" {
		return nil, newStewardError(opStewardNew, "missing_database_path", errMissingDatabasePath)
	}
	if cfg.QuotaBytes <= 0 {
		return nil, newStewardError(opStewardNew, "invalid_quota", errInvalidQuota)
	}
	threshold := cfg.LowThresholdPercent
	if threshold <= 0 {
		threshold = DefaultLowThresholdPercent
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Steward{
		db:           cfg.Database,
		databasePath: cfg.DatabasePath,
		quotaBytes:   cfg.QuotaBytes,
		lowThreshold: threshold,
		retention:    retention,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Usage measures the database file against the quota.
func (s *Steward) Usage(ctx context.Context) (Info, error) {
	if ctx.Err() != nil {
		return Info{}, ctx.Err()
	}

	used := int64(0)
	stat, err := os.Stat(s.databasePath)
	switch {
	case err == nil:
		used = stat.Size()
	case errors.Is(err, os.ErrNotExist):
		// Nothing persisted yet counts as zero usage.
	default:
		s.logError(opUsage, "stat_failed", err)
		return Info{}, newStewardError(opUsage, "stat_failed", err)
	}

	available := s.quotaBytes - used
	if available < 0 {
		available = 0
	}
	return Info{
		UsedBytes:      used,
		QuotaBytes:     s.quotaBytes,
		Percent:        float64(used) / float64(s.quotaBytes) * 100,
		AvailableBytes: available,
	}, nil
}

// IsLow reports whether usage crossed the low-storage threshold.
func (s *Steward) IsLow(ctx context.Context) (bool, error) {
	info, err := s.Usage(ctx)
	if err != nil {
		return false, err
	}
	return info.Percent >= s.lowThreshold, nil
}

// EvictReport counts records removed by one eviction pass.
type EvictReport struct {
	FailedItems      int64
	SettledConflicts int64
}

// EvictStale removes terminally failed queue items and settled conflict
// records older than the retention window.
func (s *Steward) EvictStale(ctx context.Context) (EvictReport, error) {
	cutoff := s.clock().UTC().Add(-s.retention).UnixNano()
	report := EvictReport{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := tx.
			Where("attempts >= max_attempts AND created_at_ns < ?", cutoff).
			Delete(&queue.Item{})
		if failed.Error != nil {
			return newStewardError(opEvict, "queue_delete_failed", failed.Error)
		}
		report.FailedItems = failed.RowsAffected

		settled := tx.
			Where("resolved_at_ns > 0 AND resolved_at_ns < ?", cutoff).
			Delete(&conflict.Record{})
		if settled.Error != nil {
			return newStewardError(opEvict, "conflict_delete_failed", settled.Error)
		}
		report.SettledConflicts = settled.RowsAffected

		return nil
	})
	if err != nil {
		s.logError(opEvict, "transaction_failed", err)
		return EvictReport{}, err
	}

	if report.FailedItems > 0 || report.SettledConflicts > 0 {
		s.logger.Info("evicted stale records",
			zap.Int64("failed_items", report.FailedItems),
			zap.Int64("settled_conflicts", report.SettledConflicts))
	}
	return report, nil
}

// Wipe clears every locally persisted sync record. Reserved for an explicit
// user action.
func (s *Steward) Wipe(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&queue.Item{}).Error; err != nil {
			return newStewardError(opWipe, "queue_delete_failed", err)
		}
		if err := tx.Where("1 = 1").Delete(&conflict.Record{}).Error; err != nil {
			return newStewardError(opWipe, "conflict_delete_failed", err)
		}
		if err := tx.Where("1 = 1").Delete(&outbox.Request{}).Error; err != nil {
			return newStewardError(opWipe, "outbox_delete_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opWipe, "transaction_failed", err)
		return err
	}
	s.logger.Info("local sync storage wiped")
	return nil
}

func (s *Steward) logError(operation, reason string, err error) {
	s.logger.Error("steward error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}
