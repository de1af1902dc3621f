package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("conflict-%d", g.next), nil
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	dsn := fmt.Sprintf("file:fieldsync_conflict_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	resolver, err := NewResolver(ResolverConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver
}

func snapshot(recordID string, updatedAt int64, fields map[string]string) Snapshot {
	return Snapshot{RecordID: recordID, UpdatedAtSeconds: updatedAt, Fields: fields}
}

func TestDetectReturnsNilForIdenticalTimestamps(t *testing.T) {
	resolver := newTestResolver(t)

	local := snapshot("task-1", 1700000000, map[string]string{"status": "done"})
	remote := snapshot("task-1", 1700000000, map[string]string{"status": "open"})

	if record := resolver.Detect(local, remote, "task"); record != nil {
		t.Fatalf("identical timestamps must never produce a conflict, got %+v", record)
	}
}

func TestDetectIgnoresBookkeepingOnlyDifferences(t *testing.T) {
	resolver := newTestResolver(t)

	local := snapshot("task-1", 1700000100, map[string]string{
		"id": "task-1", "updatedAt": "1700000100", "status": "done",
	})
	remote := snapshot("task-1", 1700000000, map[string]string{
		"id": "task-1-remote", "updatedAt": "1700000000", "status": "done",
	})

	if record := resolver.Detect(local, remote, "task"); record != nil {
		t.Fatalf("bookkeeping-only differences must not conflict, got %+v", record)
	}
}

func TestDetectNamesFirstDifferingField(t *testing.T) {
	resolver := newTestResolver(t)

	local := snapshot("task-1", 1700000100, map[string]string{
		"assignee": "ada", "status": "done",
	})
	remote := snapshot("task-1", 1700000000, map[string]string{
		"assignee": "grace", "status": "open",
	})

	record := resolver.Detect(local, remote, "task")
	if record == nil {
		t.Fatalf("expected a conflict")
	}
	if record.ConflictingField != "assignee" {
		t.Fatalf("expected first differing field in order, got %s", record.ConflictingField)
	}
	if record.LocalValue != "ada" || record.RemoteValue != "grace" {
		t.Fatalf("unexpected values: %+v", record)
	}
}

func TestPolicyCriticalFieldForcesManual(t *testing.T) {
	resolver := newTestResolver(t)

	// Task defaults to last-write-wins, but a critical field overrides it.
	if got := resolver.PolicyFor("task", "payrollCalcs"); got != StrategyManual {
		t.Fatalf("critical field must force manual, got %s", got)
	}
	if got := resolver.PolicyFor("task", "status"); got != StrategyLastWriteWins {
		t.Fatalf("expected last-write-wins for task, got %s", got)
	}
}

func TestPolicyDefaultsByRecordType(t *testing.T) {
	resolver := newTestResolver(t)

	expectations := map[string]Strategy{
		"attendance": StrategyManual,
		"signoff":    StrategyManual,
		"payroll":    StrategyManual,
		"task":       StrategyLastWriteWins,
		"photo":      StrategyLastWriteWins,
		"incident":   StrategyLastWriteWins,
		"unknown":    StrategyLastWriteWins,
	}
	for recordType, want := range expectations {
		if got := resolver.PolicyFor(recordType, ""); got != want {
			t.Fatalf("type %s: expected %s, got %s", recordType, want, got)
		}
	}
}

func TestResolveLastWriteWinsPrefersGreaterTimestampAndLocalOnTie(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()

	remoteNewer := Record{
		RecordID: "photo-1", RecordType: "photo", ConflictingField: "caption",
		LocalValue: "before", RemoteValue: "after",
		LocalTimestampSeconds: 1700000000, RemoteTimestampSeconds: 1700000100,
	}
	settled, err := resolver.Resolve(ctx, remoteNewer, StrategyLastWriteWins)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if settled.Resolution != ResolutionRemote || settled.ResolvedValue != "after" {
		t.Fatalf("remote-newer must win: %+v", settled)
	}

	localNewer := remoteNewer
	localNewer.LocalTimestampSeconds = 1700000200
	settled, err = resolver.Resolve(ctx, localNewer, StrategyLastWriteWins)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if settled.Resolution != ResolutionLocal || settled.ResolvedValue != "before" {
		t.Fatalf("local-newer must win: %+v", settled)
	}

	tie := remoteNewer
	tie.LocalTimestampSeconds = tie.RemoteTimestampSeconds
	settled, err = resolver.Resolve(ctx, tie, StrategyLastWriteWins)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if settled.Resolution != ResolutionLocal {
		t.Fatalf("tie must favor local: %+v", settled)
	}
}

func TestManualConflictStaysPendingUntilResolvedExplicitly(t *testing.T) {
	resolver := newTestResolver(t)
	ctx := context.Background()

	detected := Record{
		RecordID: "att-1", RecordType: "attendance", ConflictingField: "clockOut",
		LocalValue: "17:00", RemoteValue: "17:30",
		LocalTimestampSeconds: 1700000000, RemoteTimestampSeconds: 1700000100,
	}
	pending, err := resolver.Resolve(ctx, detected, StrategyManual)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !pending.Pending() {
		t.Fatalf("manual conflict must stay pending: %+v", pending)
	}

	list, err := resolver.PendingManualConflicts(ctx)
	if err != nil {
		t.Fatalf("pending query failed: %v", err)
	}
	if len(list) != 1 || list[0].ConflictID != pending.ConflictID {
		t.Fatalf("expected pending conflict listed, got %+v", list)
	}

	settled, err := resolver.ResolveManually(ctx, pending.ConflictID, "17:15")
	if err != nil {
		t.Fatalf("manual resolution failed: %v", err)
	}
	if settled.ResolvedValue != "17:15" || settled.Pending() {
		t.Fatalf("unexpected settled record: %+v", settled)
	}

	list, err = resolver.PendingManualConflicts(ctx)
	if err != nil {
		t.Fatalf("pending query failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("settled conflict must leave the pending list")
	}

	if _, err := resolver.ResolveManually(ctx, pending.ConflictID, "18:00"); !errors.Is(err, ErrNoPendingConflict) {
		t.Fatalf("expected ErrNoPendingConflict, got %v", err)
	}
}
