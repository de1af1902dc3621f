package scheduler

import "github.com/cleanops/fieldsync/internal/queue"

// DefaultBatchCap bounds how many items one drain cycle may attempt.
const DefaultBatchCap = 25

// FlushPlan selects the items a drain cycle may attempt: items that exhausted
// their retry budget are excluded, and the plan never exceeds the cap
// regardless of queue size. Input order is preserved.
func FlushPlan(items []queue.Item, cap int) []queue.Item {
	if cap <= 0 {
		cap = DefaultBatchCap
	}
	plan := make([]queue.Item, 0, cap)
	for _, item := range items {
		if item.Terminal() {
			continue
		}
		plan = append(plan, item)
		if len(plan) == cap {
			break
		}
	}
	return plan
}
