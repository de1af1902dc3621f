package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LinkClass buckets effective link quality the way mobile radios report it.
type LinkClass string

const (
	LinkClassFast    LinkClass = "4g"
	LinkClassMedium  LinkClass = "3g"
	LinkClassSlow    LinkClass = "2g"
	LinkClassCrawl   LinkClass = "slow-2g"
	LinkClassUnknown LinkClass = "unknown"
)

// Throughput estimates drain speed in items per second for the class.
func (c LinkClass) Throughput() int {
	switch c {
	case LinkClassFast:
		return 20
	case LinkClassMedium:
		return 10
	case LinkClassSlow:
		return 3
	case LinkClassCrawl:
		return 1
	default:
		return 10
	}
}

// Quality returns a human-readable description of the class.
func (c LinkClass) Quality() string {
	switch c {
	case LinkClassFast:
		return "Excellent"
	case LinkClassMedium:
		return "Good"
	case LinkClassSlow:
		return "Poor"
	case LinkClassCrawl:
		return "Very Poor"
	default:
		return "Unknown"
	}
}

// Status is a point-in-time snapshot of connectivity.
type Status struct {
	Online       bool
	Link         LinkClass
	DownlinkMbps float64
	RTT          time.Duration
	SaveData     bool
}

// Prober measures current connectivity, typically by probing the sync API.
type Prober interface {
	Probe(ctx context.Context) Status
}

// MonitorConfig wires the connectivity monitor.
type MonitorConfig struct {
	Prober Prober
	Logger *zap.Logger
}

// Monitor tracks online/offline transitions and link quality. Subscribers are
// notified only when the status actually changes; identical consecutive
// probes are deduplicated.
type Monitor struct {
	prober Prober
	logger *zap.Logger

	mu          sync.RWMutex
	status      Status
	subscribers map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	stream chan Status
}

const subscriberBuffer = 16

// NewMonitor constructs a Monitor. The initial status is offline until the
// first Refresh or SetStatus.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:      cfg.Prober,
		logger:      logger,
		status:      Status{Online: false, Link: LinkClassUnknown},
		subscribers: make(map[int64]*subscriber),
	}
}

// Refresh probes connectivity and applies the result. No-op without a prober.
func (m *Monitor) Refresh(ctx context.Context) Status {
	if m.prober == nil {
		return m.Snapshot()
	}
	return m.SetStatus(m.prober.Probe(ctx))
}

// SetStatus applies an externally observed status, notifying subscribers only
// on an actual change.
func (m *Monitor) SetStatus(next Status) Status {
	m.mu.Lock()
	if next == m.status {
		m.mu.Unlock()
		return next
	}
	previous := m.status
	m.status = next
	copies := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		copies = append(copies, sub)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		zap.Bool("online", next.Online),
		zap.String("link", string(next.Link)),
		zap.Bool("was_online", previous.Online))

	for _, sub := range copies {
		select {
		case sub.stream <- next:
		default:
		}
	}
	return next
}

// Subscribe registers a listener for status changes. The returned cancel
// function unregisters it; cancelling the context does the same.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Status, func()) {
	sub := &subscriber{stream: make(chan Status, subscriberBuffer)}

	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	m.subscribers[sub.id] = sub
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subscribers, sub.id)
		m.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the last observation saw connectivity.
func (m *Monitor) IsOnline() bool {
	return m.Snapshot().Online
}

// IsFastEnough reports whether the link supports a full drain cycle. The two
// slowest classes are treated as too slow.
func (m *Monitor) IsFastEnough() bool {
	status := m.Snapshot()
	if !status.Online {
		return false
	}
	return status.Link != LinkClassSlow && status.Link != LinkClassCrawl
}

// SaveData reports whether the user asked to reduce data usage.
func (m *Monitor) SaveData() bool {
	return m.Snapshot().SaveData
}

// EstimatedThroughput estimates drain speed in items per second.
func (m *Monitor) EstimatedThroughput() int {
	status := m.Snapshot()
	if !status.Online {
		return 0
	}
	return status.Link.Throughput()
}

// EstimateDrainTime estimates how long draining queueSize items will take.
func (m *Monitor) EstimateDrainTime(queueSize int) time.Duration {
	throughput := m.EstimatedThroughput()
	if throughput <= 0 || queueSize <= 0 {
		return 0
	}
	seconds := (queueSize + throughput - 1) / throughput
	return time.Duration(seconds) * time.Second
}
