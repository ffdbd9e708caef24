package channels

import (
	"fmt"
	"io"
	"sync"
)

// CLIChannel delivers proactive sends to the terminal. It is the default
// channel in standalone mode.
type CLIChannel struct {
	mu  sync.Mutex
	out io.Writer
}

func NewCLIChannel(out io.Writer) *CLIChannel {
	return &CLIChannel{out: out}
}

func (c *CLIChannel) Name() string { return "cli" }

func (c *CLIChannel) SendMessage(userID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n[keeper → %s] %s\n", userID, text)
	return err == nil
}

func (c *CLIChannel) SendFile(userID, path, caption string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n[keeper → %s] file: %s (%s)\n", userID, path, caption)
	return err == nil
}
