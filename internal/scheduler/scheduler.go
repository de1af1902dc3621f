package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cleanops/fieldsync/internal/connectivity"
	"github.com/cleanops/fieldsync/internal/queue"
	"go.uber.org/zap"
)

var (
	errMissingQueue   = errors.New("queue store is required")
	errMissingMonitor = errors.New("connectivity monitor is required")
	errMissingSender  = errors.New("sender is required")
)

// Sender delivers one queued item to the server. Implementations must return
// nil only after the server durably acknowledged the event.
type Sender interface {
	SendItem(ctx context.Context, item queue.Item) error
}

// SchedulerConfig wires the retry scheduler.
type SchedulerConfig struct {
	Queue    *queue.Store
	Monitor  *connectivity.Monitor
	Sender   Sender
	BatchCap int
	Logger   *zap.Logger
}

// Scheduler drains ready queue items to the server one at a time, respecting
// priority order, backoff eligibility, and connectivity. A cycle fully
// settles each item before dequeuing the next; two cycles never run
// concurrently against the same queue.
type Scheduler struct {
	queue    *queue.Store
	monitor  *connectivity.Monitor
	sender   Sender
	batchCap int
	logger   *zap.Logger

	cycleMu sync.Mutex
}

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	Skipped   bool
	Attempted int
	Completed int
	Failed    int
}

// NewScheduler validates configuration and constructs the scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}

	batchCap := cfg.BatchCap
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		queue:    cfg.Queue,
		monitor:  cfg.Monitor,
		sender:   cfg.Sender,
		batchCap: batchCap,
		logger:   logger,
	}, nil
}

// DrainCycle attempts one bounded pass over the queue. It is safe to call
// from any trigger at any time: offline or overlapping calls are skipped, a
// single item failure re-enters the backoff schedule without aborting the
// cycle, and the cycle stops early only when the batch budget is exhausted
// or connectivity drops.
func (s *Scheduler) DrainCycle(ctx context.Context) (CycleReport, error) {
	if !s.cycleMu.TryLock() {
		return CycleReport{Skipped: true}, nil
	}
	defer s.cycleMu.Unlock()

	if !s.monitor.IsOnline() {
		return CycleReport{Skipped: true}, nil
	}

	items, err := s.queue.ListAll(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("scheduler: list queue: %w", err)
	}

	budget := s.batchCap
	if s.monitor.SaveData() && budget > 1 {
		budget /= 2
	}
	plan := FlushPlan(items, budget)
	if len(plan) == 0 {
		return CycleReport{}, nil
	}

	report := CycleReport{}
	for attempted := 0; attempted < len(plan); attempted++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !s.monitor.IsOnline() {
			s.logger.Info("drain cycle interrupted by connectivity loss",
				zap.Int("attempted", report.Attempted))
			break
		}

		item, err := s.queue.PeekReady(ctx)
		if err != nil {
			return report, fmt.Errorf("scheduler: peek ready: %w", err)
		}
		if item == nil {
			break
		}

		report.Attempted++
		if sendErr := s.sender.SendItem(ctx, *item); sendErr != nil {
			report.Failed++
			s.logger.Warn("queue item send failed",
				zap.String("item_id", item.ItemID),
				zap.String("event_type", item.EventType),
				zap.Int("attempts", item.Attempts+1),
				zap.Error(sendErr))
			if err := s.queue.Fail(ctx, item.ItemID, sendErr.Error()); err != nil {
				return report, fmt.Errorf("scheduler: record failure: %w", err)
			}
			continue
		}

		// Acknowledged by the server; only now drop the local copy.
		if err := s.queue.Complete(ctx, item.ItemID); err != nil {
			return report, fmt.Errorf("scheduler: complete item: %w", err)
		}
		report.Completed++
	}

	s.logger.Debug("drain cycle settled",
		zap.Int("attempted", report.Attempted),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed))
	return report, nil
}
