// Package broadcast delivers named system events (intents) to registered
// receivers and remembers the last sticky intent per action, so a caller can
// read the current state by registering with a nil receiver.
package broadcast

import (
	"sync"
)

// Well-known actions.
const (
	ActionBatteryChanged      = "battery.changed"
	ActionConnectivityChanged = "connectivity.changed"
	ActionProviderChanged     = "provider.changed"
)

// Battery intent extras.
const (
	ExtraLevel  = "level"
	ExtraScale  = "scale"
	ExtraStatus = "status"
)

// Intent is a named event with typed extras.
type Intent struct {
	Action string
	Extras map[string]any
}

// NewIntent creates an intent with an empty extras map.
func NewIntent(action string) *Intent {
	return &Intent{Action: action, Extras: make(map[string]any)}
}

// Put sets an extra and returns the intent for chaining.
func (i *Intent) Put(key string, value any) *Intent {
	i.Extras[key] = value
	return i
}

// IntExtra returns an int extra, or def when absent or not an int.
func (i *Intent) IntExtra(key string, def int) int {
	if i == nil {
		return def
	}
	if v, ok := i.Extras[key].(int); ok {
		return v
	}
	return def
}

// StringExtra returns a string extra, or def when absent.
func (i *Intent) StringExtra(key, def string) string {
	if i == nil {
		return def
	}
	if v, ok := i.Extras[key].(string); ok {
		return v
	}
	return def
}

// clone copies the intent so receivers cannot mutate hub state.
func (i *Intent) clone() *Intent {
	c := NewIntent(i.Action)
	for k, v := range i.Extras {
		c.Extras[k] = v
	}
	return c
}

// Filter selects the actions a receiver is interested in.
type Filter struct {
	Actions []string
}

// NewFilter builds a filter matching the given actions.
func NewFilter(actions ...string) Filter {
	return Filter{Actions: actions}
}

func (f Filter) matches(action string) bool {
	for _, a := range f.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Receiver is notified of matching intents. Implementations must be
// comparable (typically a pointer) so they can be unregistered.
type Receiver interface {
	OnReceive(intent *Intent)
}

type registration struct {
	receiver Receiver
	filter   Filter
}

// Hub fans intents out to receivers. Safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	receivers []registration
	sticky    map[string]*Intent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sticky: make(map[string]*Intent)}
}

// Register adds a receiver for the filter and returns the most recent sticky
// intent matching it (nil if none). A nil receiver only queries sticky state.
func (h *Hub) Register(r Receiver, f Filter) *Intent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r != nil {
		h.receivers = append(h.receivers, registration{receiver: r, filter: f})
	}
	for _, a := range f.Actions {
		if in, ok := h.sticky[a]; ok {
			return in.clone()
		}
	}
	return nil
}

// Unregister removes every registration of r.
func (h *Hub) Unregister(r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.receivers[:0]
	for _, reg := range h.receivers {
		if reg.receiver != r {
			kept = append(kept, reg)
		}
	}
	h.receivers = kept
}

// Send delivers the intent to matching receivers synchronously.
func (h *Hub) Send(intent *Intent) {
	for _, r := range h.matching(intent.Action) {
		r.OnReceive(intent.clone())
	}
}

// SendSticky records the intent as current state for its action, then sends it.
func (h *Hub) SendSticky(intent *Intent) {
	h.mu.Lock()
	h.sticky[intent.Action] = intent.clone()
	h.mu.Unlock()
	h.Send(intent)
}

func (h *Hub) matching(action string) []Receiver {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Receiver
	for _, reg := range h.receivers {
		if reg.filter.matches(action) {
			out = append(out, reg.receiver)
		}
	}
	return out
}
