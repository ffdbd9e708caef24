package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/schedule"
)

const pollInterval = 30 * time.Second

// Dispatcher polls the scheduled-item queue and delivers due items
// through the channel that owns their session. Items whose channel is
// unknown stay pending until the fire window expires them.
type Dispatcher struct {
	queue    *schedule.Queue
	registry *Registry
}

func NewDispatcher(queue *schedule.Queue, registry *Registry) *Dispatcher {
	return &Dispatcher{queue: queue, registry: registry}
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick claims and sends every due item once. Returns the number sent.
func (d *Dispatcher) Tick() int {
	due, err := d.queue.Due()
	if err != nil {
		slog.Warn("dispatch: due query failed", "error", err)
		return 0
	}

	sent := 0
	for _, item := range due {
		ch := d.registry.ForSession(item.SessionID)
		if ch == nil {
			// No channel yet; the item stays pending and either a later
			// tick or window expiry settles it.
			continue
		}

		// Claim before send so two dispatchers cannot double-fire.
		ok, err := d.queue.Claim(item.ID)
		if err != nil {
			slog.Warn("dispatch: claim failed", "id", item.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !ch.SendMessage(item.UserID, item.Message) {
			slog.Warn("dispatch: send failed", "id", item.ID, "channel", ch.Name())
			continue
		}
		slog.Debug("dispatch: delivered", "id", item.ID, "kind", item.Kind, "channel", ch.Name())
		sent++
	}
	return sent
}
