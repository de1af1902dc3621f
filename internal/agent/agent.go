// Package agent composes the client-side sync pipeline: the durable queue,
// the retry scheduler, the request outbox, the connectivity monitor, the
// conflict resolver, and the incremental pull loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cleanops/fieldsync/internal/api"
	"github.com/cleanops/fieldsync/internal/conflict"
	"github.com/cleanops/fieldsync/internal/connectivity"
	"github.com/cleanops/fieldsync/internal/outbox"
	"github.com/cleanops/fieldsync/internal/queue"
	"github.com/cleanops/fieldsync/internal/scheduler"
	"github.com/cleanops/fieldsync/internal/steward"
)

const (
	// DefaultPollInterval paces the background pull loop.
	DefaultPollInterval = 30 * time.Second
	// DefaultFeedPageSize bounds one incremental feed request.
	DefaultFeedPageSize = 100
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingClient   = errors.New("sync client is required")
	errMissingQueue    = errors.New("queue store is required")
	errMissingMonitor  = errors.New("connectivity monitor is required")
	errMissingOutbox   = errors.New("outbox store is required")
	errMissingResolver = errors.New("conflict resolver is required")
	errMissingSteward  = errors.New("storage steward is required")
	errMissingRecords  = errors.New("record store is required")
	noOpLogger         = zap.NewNop()
)

// SyncClient covers the server endpoints the agent drives.
type SyncClient interface {
	SendBatch(ctx context.Context, batch []api.BatchEvent, idempotencyKey string) (api.BatchResult, error)
	FetchSince(ctx context.Context, cursor string, limit int) (api.FeedPage, error)
}

// RecordStore is the application-side view the agent pulls into. Snapshots
// supplies both versions of the record a feed event touches; Apply commits
// the winning side.
type RecordStore interface {
	Snapshots(ctx context.Context, event api.FeedEvent) (local conflict.Snapshot, remote conflict.Snapshot, hasLocal bool, err error)
	Apply(ctx context.Context, event api.FeedEvent, winner conflict.Resolution) error
}

// AgentConfig wires the sync agent.
type AgentConfig struct {
	Database     *gorm.DB
	Client       SyncClient
	Queue        *queue.Store
	Monitor      *connectivity.Monitor
	Outbox       *outbox.Store
	Resolver     *conflict.Resolver
	Steward      *steward.Steward
	Records      RecordStore
	HTTPClient   outbox.Doer
	PollInterval time.Duration
	FeedPageSize int
	BatchCap     int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Agent owns the full client half of the sync subsystem. All entry points
// funnel into SyncNow, which is safe to invoke from any trigger at any time.
type Agent struct {
	client       SyncClient
	queue        *queue.Store
	monitor      *connectivity.Monitor
	outbox       *outbox.Store
	resolver     *conflict.Resolver
	steward      *steward.Steward
	records      RecordStore
	scheduler    *scheduler.Scheduler
	state        *stateStore
	httpClient   outbox.Doer
	pollInterval time.Duration
	feedPageSize int
	logger       *zap.Logger

	syncMu sync.Mutex
}

// NewAgent validates configuration and assembles the agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Steward == nil {
		return nil, errMissingSteward
	}
	if cfg.Records == nil {
		return nil, errMissingRecords
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pageSize := cfg.FeedPageSize
	if pageSize <= 0 {
		pageSize = DefaultFeedPageSize
	}

	drainScheduler, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Queue:    cfg.Queue,
		Monitor:  cfg.Monitor,
		Sender:   &batchSender{client: cfg.Client},
		BatchCap: cfg.BatchCap,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: build scheduler: %w", err)
	}

	return &Agent{
		client:       cfg.Client,
		queue:        cfg.Queue,
		monitor:      cfg.Monitor,
		outbox:       cfg.Outbox,
		resolver:     cfg.Resolver,
		steward:      cfg.Steward,
		records:      cfg.Records,
		scheduler:    drainScheduler,
		state:        &stateStore{db: cfg.Database, clock: clock},
		httpClient:   httpClient,
		pollInterval: pollInterval,
		feedPageSize: pageSize,
		logger:       logger,
	}, nil
}

// batchSender delivers one queue item as a single-event batch. The item ID
// doubles as the idempotency key so a retry after a lost acknowledgement
// cannot duplicate the event server-side.
type batchSender struct {
	client SyncClient
}

func (s *batchSender) SendItem(ctx context.Context, item queue.Item) error {
	_, err := s.client.SendBatch(ctx, []api.BatchEvent{{
		ID:                item.ItemID,
		Type:              item.EventType,
		Payload:           item.Payload,
		OccurredAtSeconds: item.OccurredAtSeconds,
	}}, item.ItemID)
	return err
}

// Capture enqueues a local change for upload. The item is durable before
// Capture returns.
func (a *Agent) Capture(ctx context.Context, eventType, payload string, occurredAt int64, priority queue.Priority) (string, error) {
	return a.queue.Enqueue(ctx, eventType, payload, occurredAt, priority)
}

// CaptureRequest stores an intercepted write request for verbatim replay.
func (a *Agent) CaptureRequest(ctx context.Context, method, url string, headers map[string]string, body string) (string, error) {
	return a.outbox.Enqueue(ctx, method, url, headers, body)
}

// SyncReport summarizes one full sync pass.
type SyncReport struct {
	Skipped bool
	Outbox  outbox.ReplayReport
	Drain   scheduler.CycleReport
	Pull    PullReport
}

// SyncNow runs one full pass: replay the outbox, drain the queue, then pull
// the incremental feed. Overlapping calls are skipped rather than queued, so
// every trigger source may call it freely.
func (a *Agent) SyncNow(ctx context.Context) (SyncReport, error) {
	if !a.syncMu.TryLock() {
		return SyncReport{Skipped: true}, nil
	}
	defer a.syncMu.Unlock()

	if !a.monitor.IsOnline() {
		return SyncReport{Skipped: true}, nil
	}

	report := SyncReport{}

	replayReport, err := a.outbox.Replay(ctx, a.httpClient)
	if err != nil {
		return report, fmt.Errorf("agent: replay outbox: %w", err)
	}
	report.Outbox = replayReport

	drainReport, err := a.scheduler.DrainCycle(ctx)
	if err != nil {
		return report, fmt.Errorf("agent: drain queue: %w", err)
	}
	report.Drain = drainReport

	pullReport, err := a.pull(ctx)
	if err != nil {
		return report, fmt.Errorf("agent: pull feed: %w", err)
	}
	report.Pull = pullReport
	return report, nil
}

// PullReport summarizes one incremental pull.
type PullReport struct {
	Applied  int
	Resynced bool
}

func (a *Agent) pull(ctx context.Context) (PullReport, error) {
	cursor, err := a.state.loadCursor(ctx)
	if err != nil {
		return PullReport{}, fmt.Errorf("load cursor: %w", err)
	}

	report := PullReport{}
	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		page, err := a.client.FetchSince(ctx, cursor, a.feedPageSize)
		if err != nil {
			return report, err
		}

		if page.CursorStale {
			// The server no longer recognizes our position; restart the
			// stream from the beginning exactly once.
			if report.Resynced {
				return report, errors.New("cursor reported stale twice in one pull")
			}
			a.logger.Warn("feed cursor stale, starting full resync")
			if err := a.state.clearCursor(ctx); err != nil {
				return report, fmt.Errorf("clear cursor: %w", err)
			}
			cursor = ""
			report.Resynced = true
			continue
		}

		if len(page.Events) == 0 {
			return report, nil
		}

		for _, event := range page.Events {
			if err := a.applyEvent(ctx, event); err != nil {
				return report, fmt.Errorf("apply event %s: %w", event.ID, err)
			}
			// Advance only after the event is applied so a crash replays it
			// instead of skipping it.
			cursor = event.ID
			if err := a.state.saveCursor(ctx, cursor); err != nil {
				return report, fmt.Errorf("save cursor: %w", err)
			}
			report.Applied++
		}

		if len(page.Events) < a.feedPageSize {
			return report, nil
		}
	}
}

func (a *Agent) applyEvent(ctx context.Context, event api.FeedEvent) error {
	local, remote, hasLocal, err := a.records.Snapshots(ctx, event)
	if err != nil {
		return err
	}
	if !hasLocal {
		return a.records.Apply(ctx, event, conflict.ResolutionRemote)
	}

	detected := a.resolver.Detect(local, remote, event.Type)
	if detected == nil {
		return a.records.Apply(ctx, event, conflict.ResolutionRemote)
	}

	strategy := a.resolver.PolicyFor(event.Type, detected.ConflictingField)
	resolved, err := a.resolver.Resolve(ctx, *detected, strategy)
	if err != nil {
		return err
	}
	if resolved.Pending() {
		// The local version stays in place until a user settles the conflict.
		a.logger.Info("conflict held for manual review",
			zap.String("record_id", resolved.RecordID),
			zap.String("field", resolved.ConflictingField))
		return nil
	}
	return a.records.Apply(ctx, event, resolved.Resolution)
}

// Run drives background syncing until the context ends. Every poll tick
// re-probes connectivity before attempting a pass, so an agent that boots
// offline observes the network returning; a probe that lands online also
// reaches the subscription and triggers an immediate reconnect pass.
func (a *Agent) Run(ctx context.Context) error {
	statuses, cancel := a.monitor.Subscribe(ctx)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.monitor.Refresh(ctx)
	a.maintainStorage(ctx)
	a.runPass(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status := <-statuses:
			if !status.Online {
				continue
			}
			a.logger.Info("connectivity restored",
				zap.String("link_quality", status.Link.Quality()))
			a.runPass(ctx, "reconnect")
		case <-ticker.C:
			a.monitor.Refresh(ctx)
			a.maintainStorage(ctx)
			a.runPass(ctx, "poll")
		}
	}
}

// maintainStorage checks the quota and reclaims stale records when local
// storage runs low. Run invokes it at startup and on every poll tick.
func (a *Agent) maintainStorage(ctx context.Context) {
	low, err := a.steward.IsLow(ctx)
	if err != nil {
		a.logger.Warn("storage check failed", zap.Error(err))
		return
	}
	if !low {
		return
	}
	a.logger.Warn("local storage low, evicting stale records")
	report, err := a.steward.EvictStale(ctx)
	if err != nil {
		a.logger.Warn("stale record eviction failed", zap.Error(err))
		return
	}
	a.logger.Info("storage reclaimed",
		zap.Int64("failed_items", report.FailedItems),
		zap.Int64("settled_conflicts", report.SettledConflicts))
}

func (a *Agent) runPass(ctx context.Context, trigger string) {
	report, err := a.SyncNow(ctx)
	if err != nil {
		a.logger.Warn("sync pass failed",
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}
	if report.Skipped {
		return
	}
	a.logger.Debug("sync pass settled",
		zap.String("trigger", trigger),
		zap.Int("outbox_delivered", report.Outbox.Delivered),
		zap.Int("queue_completed", report.Drain.Completed),
		zap.Int("feed_applied", report.Pull.Applied))
}

// Progress reports the upload backlog.
func (a *Agent) Progress(ctx context.Context) (queue.Progress, error) {
	return a.queue.Progress(ctx)
}

// Wipe clears every locally persisted sync record and the feed cursor. An
// explicit user action only.
func (a *Agent) Wipe(ctx context.Context) error {
	if err := a.steward.Wipe(ctx); err != nil {
		return err
	}
	return a.state.clearCursor(ctx)
}
