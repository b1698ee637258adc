package realtime

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// EventType is the kind of row change carried by an Event.
type EventType string

// Row change kinds.
const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Event describes a change to one row of a table.
type Event struct {
	Table  string            `json:"table"`
	Type   EventType         `json:"type"`
	RowID  string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Filter restricts a subscription to rows whose column equals a value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter reads the "column=eq.value" form used by subscribers.
func ParseFilter(raw string) (Filter, error) {
	if raw == "" {
		return Filter{}, nil
	}
	column, rest, ok := strings.Cut(raw, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("invalid filter %q", raw)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok || value == "" {
		return Filter{}, fmt.Errorf("unsupported filter operator in %q", raw)
	}
	return Filter{Column: column, Value: value}, nil
}

func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

func (f Filter) matches(e Event) bool {
	if f.Column == "" {
		return true
	}
	return e.Fields[f.Column] == f.Value
}

// Subscription receives the events of one table that match its filter.
type Subscription struct {
	C <-chan Event

	hub    *Hub
	id     uint64
	table  string
	filter Filter
	ch     chan Event
	once   sync.Once
}

// Close detaches the subscription from the hub and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans change events out to subscribers. Slow subscribers lose events
// rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[uint64]*Subscription), buffer: buffer, logger: logger}
}

// Subscribe registers interest in changes of table matching filter.
func (h *Hub) Subscribe(table string, filter Filter) *Subscription {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{C: ch, hub: h, id: h.nextID, table: table, filter: filter, ch: ch}
	if h.subs[table] == nil {
		h.subs[table] = make(map[uint64]*Subscription)
	}
	h.subs[table][sub.id] = sub
	return sub
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[s.table]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.subs, s.table)
		}
	}
	close(s.ch)
}

// Publish delivers e to every matching subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[e.Table] {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.logger.Warn("dropping realtime event for slow subscriber", "table", e.Table, "filter", sub.filter.String())
		}
	}
}

// Subscribers returns the number of live subscriptions on table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}
