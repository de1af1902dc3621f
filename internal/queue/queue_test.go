package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type movableClock struct {
	current time.Time
}

func (c *movableClock) now() time.Time {
	return c.current
}

func (c *movableClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestStore(t *testing.T, dsn string, clock *movableClock) *Store {
	t.Helper()
	if dsn == "" {
		dsn = fmt.Sprintf("file:fieldsync_queue_%d?mode=memory&cache=shared", time.Now().UnixNano())
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Item{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock.now,
		IDProvider: &sequenceIDGenerator{prefix: "item"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func defaultClock() *movableClock {
	return &movableClock{current: time.Unix(1700000000, 0).UTC()}
}

func TestPeekReadyRespectsPriorityThenFIFO(t *testing.T) {
	clock := defaultClock()
	store := newTestStore(t, "", clock)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "note", `{}`, 1700000000, PriorityLow); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	clock.advance(time.Second)
	firstHigh, err := store.Enqueue(ctx, "attendance", `{}`, 1700000000, PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	clock.advance(time.Second)
	secondHigh, err := store.Enqueue(ctx, "signoff", `{}`, 1700000000, PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	item, err := store.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if item == nil || item.ItemID != firstHigh {
		t.Fatalf("expected earliest high-priority item first, got %+v", item)
	}

	if err := store.Complete(ctx, firstHigh); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	item, err = store.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if item == nil || item.ItemID != secondHigh {
		t.Fatalf("expected second high-priority item, got %+v", item)
	}
}

func TestFailIncrementsAttemptsAndSchedulesGrowingBackoff(t *testing.T) {
	clock := defaultClock()
	store := newTestStore(t, "", clock)
	ctx := context.Background()

	itemID, err := store.Enqueue(ctx, "photo", `{}`, 1700000000, PriorityMedium)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	var previousDelay time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		if err := store.Fail(ctx, itemID, "network timeout"); err != nil {
			t.Fatalf("fail failed: %v", err)
		}
		items, err := store.ListAll(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		item := items[0]
		if item.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, item.Attempts)
		}
		if item.NextRetryNanos == nil {
			t.Fatalf("retryable item must carry a next retry deadline")
		}
		delay := time.Duration(*item.NextRetryNanos - clock.now().UnixNano())
		if delay <= previousDelay {
			t.Fatalf("backoff must grow: attempt %d delay %v not above %v", attempt, delay, previousDelay)
		}
		previousDelay = delay
	}
}

func TestBackoffDelayCapsAtMaximum(t *testing.T) {
	expectations := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		6:  32 * time.Second,
		7:  60 * time.Second,
		10: 60 * time.Second,
	}
	for attempts, want := range expectations {
		if got := BackoffDelay(attempts); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempts, want, got)
		}
	}
}

func TestFailedItemIneligibleUntilBackoffElapses(t *testing.T) {
	clock := defaultClock()
	store := newTestStore(t, "", clock)
	ctx := context.Background()

	itemID, err := store.Enqueue(ctx, "task", `{}`, 1700000000, PriorityMedium)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := store.Fail(ctx, itemID, "service unavailable"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	item, err := store.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if item != nil {
		t.Fatalf("item inside backoff window must not be ready")
	}

	clock.advance(2 * time.Second)
	item, err = store.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if item == nil || item.ItemID != itemID {
		t.Fatalf("item past backoff deadline must be ready again")
	}
}

func TestTerminalItemNeverReturnedByPeekReady(t *testing.T) {
	clock := defaultClock()
	store := newTestStore(t, "", clock)
	ctx := context.Background()

	itemID, err := store.Enqueue(ctx, "note", `{}`, 1700000000, PriorityLow)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for i := 0; i < PriorityLow.MaxAttempts(); i++ {
		if err := store.Fail(ctx, itemID, "still failing"); err != nil {
			t.Fatalf("fail failed: %v", err)
		}
		clock.advance(2 * time.Minute)
	}

	item, err := store.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if item != nil {
		t.Fatalf("terminal item must never be dequeued, got %+v", item)
	}

	failed, err := store.ListFailed(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ItemID != itemID {
		t.Fatalf("terminal item must stay visible for manual intervention")
	}
	if failed[0].NextRetryNanos != nil {
		t.Fatalf("terminal item must not carry a retry deadline")
	}

	progress, err := store.Progress(ctx)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Total != 1 || progress.Failed != 1 || progress.Pending != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	clock := defaultClock()
	dsn := filepath.Join(t.TempDir(), "agent.db")

	store := newTestStore(t, dsn, clock)
	ctx := context.Background()
	itemID, err := store.Enqueue(ctx, "attendance", `{"kind":"clock-out"}`, 1700000000, PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reopened := newTestStore(t, dsn, clock)
	items, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != itemID {
		t.Fatalf("queue must survive process restart, got %d items", len(items))
	}
	if items[0].Payload != `{"kind":"clock-out"}` {
		t.Fatalf("payload must survive restart")
	}
}
