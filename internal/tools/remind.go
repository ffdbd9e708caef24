package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/schedule"
)

// RemindTool enqueues reminders in the scheduled-item queue. Accepts a
// one-shot RFC 3339 time or a recurring cron expression.
type RemindTool struct {
	queue *schedule.Queue
	clock func() time.Time
}

func NewRemindTool(queue *schedule.Queue, clock func() time.Time) *RemindTool {
	if clock == nil {
		clock = time.Now
	}
	return &RemindTool{queue: queue, clock: clock}
}

func (t *RemindTool) Name() string { return "remind" }
func (t *RemindTool) Description() string {
	return "Schedule a reminder for the user at a specific time, optionally recurring"
}

func (t *RemindTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "What to remind the user about",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "When to fire, RFC 3339 (e.g. 2026-03-01T09:00:00Z)",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Optional cron expression for a recurring reminder",
			},
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "User to remind",
			},
		},
		"required": []string{"message", "at", "user_id"},
	}
}

func (t *RemindTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	message, _ := args["message"].(string)
	at, _ := args["at"].(string)
	cron, _ := args["cron"].(string)
	userID, _ := args["user_id"].(string)
	if message == "" || at == "" || userID == "" {
		return ErrorResult("message, at and user_id are required")
	}

	triggerAt, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid time %q: use RFC 3339", at))
	}
	if triggerAt.Before(t.clock()) {
		return ErrorResult(fmt.Sprintf("time %s is in the past", at))
	}

	item := &schedule.Item{
		UserID:    userID,
		Message:   message,
		TriggerAt: triggerAt,
		Source:    schedule.SourceUser,
		Kind:      "reminder",
		Recurring: cron,
	}
	if err := t.queue.Add(item); err != nil {
		return ErrorResult(fmt.Sprintf("failed to schedule reminder: %v", err)).WithError(err)
	}

	when := triggerAt.Format("Mon Jan 2 15:04 MST")
	if cron != "" {
		return UserResult(fmt.Sprintf("Reminder set for %s, recurring (%s)", when, cron))
	}
	return UserResult(fmt.Sprintf("Reminder set for %s", when))
}
