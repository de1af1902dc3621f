package queue

// Priority classes outbound events by urgency. Attendance and sign-off
// records ride HIGH; photos and tasks MEDIUM; notes and other non-critical
// captures LOW.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dequeue, lowest value first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// MaxAttempts returns the retry budget for the priority class. Safety
// critical records get the most retries before surfacing as terminal.
func (p Priority) MaxAttempts() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityMedium:
		return 5
	case PriorityLow:
		return 3
	default:
		return 5
	}
}

// Item is one pending outbound event, persisted in the agent's durable store
// so it survives process restarts and indefinite offline periods. Lifecycle
// fields (Attempts, NextRetryNanos, LastError) are mutated only by Fail; an
// item leaves the store only on confirmed server acknowledgement or explicit
// user action.
type Item struct {
	ItemID            string   `gorm:"column:item_id;primaryKey;size:190;not null"`
	EventType         string   `gorm:"column:event_type;size:190;not null"`
	Priority          Priority `gorm:"column:priority;size:16;not null;index:idx_queue_ready,priority:1"`
	Payload           string   `gorm:"column:payload;type:text;not null"`
	OccurredAtSeconds int64    `gorm:"column:occurred_at_s;not null"`
	Attempts          int      `gorm:"column:attempts;not null;default:0"`
	MaxAttempts       int      `gorm:"column:max_attempts;not null"`
	LastAttemptNanos  int64    `gorm:"column:last_attempt_ns;not null;default:0"`
	NextRetryNanos    *int64   `gorm:"column:next_retry_ns"`
	LastError         string   `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtNanos    int64    `gorm:"column:created_at_ns;not null;index:idx_queue_ready,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "sync_queue_items"
}

// Terminal reports whether the item has exhausted its retry budget. Terminal
// items stay in the store for manual intervention and are never auto-retried.
func (i Item) Terminal() bool {
	return i.Attempts >= i.MaxAttempts
}

// Progress summarizes queue state for surfacing to the user.
type Progress struct {
	Total   int64
	Failed  int64
	Pending int64
}
