package channels

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/schedule"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

type recordingChannel struct {
	name string
	sent []string
	ok   bool
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) SendMessage(userID, text string) bool {
	c.sent = append(c.sent, userID+": "+text)
	return c.ok
}
func (c *recordingChannel) SendFile(string, string, string) bool { return c.ok }

func TestDispatchDeliversDueItems(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	queue := schedule.NewQueue(db, func() time.Time { return now })

	cli := &recordingChannel{name: "cli", ok: true}
	reg := NewRegistry()
	reg.Register(cli)

	due := &schedule.Item{UserID: "u1", Message: "stand up", TriggerAt: now.Add(-time.Minute),
		Source: schedule.SourceUser, Kind: "reminder", SessionID: "cli-u1"}
	future := &schedule.Item{UserID: "u1", Message: "later", TriggerAt: now.Add(time.Hour),
		Source: schedule.SourceUser, Kind: "reminder"}
	for _, it := range []*schedule.Item{due, future} {
		if err := queue.Add(it); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDispatcher(queue, reg)
	if sent := d.Tick(); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(cli.sent) != 1 || cli.sent[0] != "u1: stand up" {
		t.Errorf("delivered = %v", cli.sent)
	}

	// The claimed item cannot fire twice.
	if sent := d.Tick(); sent != 0 {
		t.Errorf("second tick sent %d", sent)
	}

	got, _ := queue.Get(due.ID)
	if got.Status != schedule.StatusFired {
		t.Errorf("status = %s, want fired", got.Status)
	}
}

func TestRegistryRoutesBySessionPrefix(t *testing.T) {
	cli := &recordingChannel{name: "cli", ok: true}
	tg := &recordingChannel{name: "telegram", ok: true}
	reg := NewRegistry()
	reg.Register(cli)
	reg.Register(tg)

	if got := reg.ForSession("telegram-u1"); got != tg {
		t.Error("telegram session routed elsewhere")
	}
	// Unknown prefix falls back to the first registered channel.
	if got := reg.ForSession("matrix-u1"); got != cli {
		t.Error("fallback not used")
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "cli" {
		t.Errorf("names = %v", names)
	}
}

func TestCLIChannelWrites(t *testing.T) {
	var buf bytes.Buffer
	ch := NewCLIChannel(&buf)
	if !ch.SendMessage("u1", "hello") {
		t.Fatal("send failed")
	}
	if !strings.Contains(buf.String(), "hello") || !strings.Contains(buf.String(), "u1") {
		t.Errorf("output = %q", buf.String())
	}
}
