package conflict

import "sort"

// Strategy selects how a detected conflict is settled.
type Strategy string

const (
	// StrategyLastWriteWins keeps the version with the greater timestamp;
	// ties favor the local version.
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyManual defers to an explicit user decision.
	StrategyManual Strategy = "manual"
	// StrategyRemoteWins always keeps the remote version.
	StrategyRemoteWins Strategy = "remote-wins"
	// StrategyLocalWins always keeps the local version.
	StrategyLocalWins Strategy = "local-wins"
)

// Resolution names the winning side of a settled conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionManual Resolution = "manual"
)

// Snapshot is one side's view of a record: bookkeeping timestamps plus the
// domain fields as opaque values. Payload schemas stay outside this package.
type Snapshot struct {
	RecordID         string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	Fields           map[string]string
}

// Timestamp is the modification time used for divergence checks, falling
// back to creation time for records never updated.
func (s Snapshot) Timestamp() int64 {
	if s.UpdatedAtSeconds > 0 {
		return s.UpdatedAtSeconds
	}
	return s.CreatedAtSeconds
}

// bookkeepingFields never count as divergence on their own.
var bookkeepingFields = map[string]bool{
	"id":        true,
	"createdAt": true,
	"updatedAt": true,
}

// fieldUnion returns the sorted set of domain field names across both sides.
func fieldUnion(local, remote Snapshot) []string {
	names := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	for name := range local.Fields {
		names[name] = true
	}
	for name := range remote.Fields {
		names[name] = true
	}
	union := make([]string, 0, len(names))
	for name := range names {
		if bookkeepingFields[name] {
			continue
		}
		union = append(union, name)
	}
	sort.Strings(union)
	return union
}

// Record is a persisted conflict between the local and remote version of one
// record. Terminal once resolved; manual resolutions may stay pending
// indefinitely awaiting user input.
type Record struct {
	ConflictID             string     `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	RecordID               string     `gorm:"column:record_id;size:190;not null"`
	RecordType             string     `gorm:"column:record_type;size:190;not null"`
	ConflictingField       string     `gorm:"column:conflicting_field;size:190;not null"`
	LocalValue             string     `gorm:"column:local_value;type:text;not null"`
	RemoteValue            string     `gorm:"column:remote_value;type:text;not null"`
	LocalTimestampSeconds  int64      `gorm:"column:local_timestamp_s;not null"`
	RemoteTimestampSeconds int64      `gorm:"column:remote_timestamp_s;not null"`
	Resolution             Resolution `gorm:"column:resolution;size:16;not null;default:''"`
	ResolvedValue          string     `gorm:"column:resolved_value;type:text;not null;default:''"`
	ResolvedAtNanos        int64      `gorm:"column:resolved_at_ns;not null;default:0"`
	CreatedAtNanos         int64      `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_conflicts"
}

// Pending reports whether the record still awaits an explicit user decision.
func (r Record) Pending() bool {
	return r.Resolution == ResolutionManual && r.ResolvedAtNanos == 0
}
