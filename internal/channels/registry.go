// Package channels holds the boundary to the outside surfaces. The core
// only knows the TriggerSource interface; concrete adapters (Telegram,
// Discord, ...) live outside this module and register themselves here.
package channels

import (
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/keeper/internal/bus"
)

// Registry maps channel names to their outbound trigger sources.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]bus.TriggerSource
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]bus.TriggerSource)}
}

// Register adds a channel. The first registered channel becomes the
// fallback for items without a session reference.
func (r *Registry) Register(ch bus.TriggerSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
	if r.fallback == "" {
		r.fallback = ch.Name()
	}
}

// Get returns a channel by name, nil when unknown.
func (r *Registry) Get(name string) bus.TriggerSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// ForSession resolves the channel that owns a "<channel>-<userID>"
// session id, falling back to the first registered channel.
func (r *Registry) ForSession(sessionID string) bus.TriggerSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := strings.Index(sessionID, "-"); i > 0 {
		if ch, ok := r.channels[sessionID[:i]]; ok {
			return ch
		}
	}
	return r.channels[r.fallback]
}

// Names lists registered channels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
