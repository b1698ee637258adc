package board

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taskboard/internal/realtime"
)

// RefreshDelay is how long change notifications are collected before a
// board reloads.
const RefreshDelay = 120 * time.Millisecond

// watchedTables are the tables whose changes make a board stale.
var watchedTables = []string{"tasks", "project_stages"}

type entry struct {
	board    *Board
	subs     []*realtime.Subscription
	debounce *realtime.Debouncer
	lastUsed time.Time
}

// Registry keeps one live board per project, reloaded after changes
// published on the hub.
type Registry struct {
	store  Store
	hub    *realtime.Hub
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	boards map[string]*entry
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(store Store, hub *realtime.Hub, delay time.Duration, logger *slog.Logger) *Registry {
	if delay <= 0 {
		delay = RefreshDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, hub: hub, delay: delay, logger: logger, boards: map[string]*entry{}, now: time.Now}
}

// Get returns the board of a project, loading it on first use.
func (r *Registry) Get(ctx context.Context, projectID string) (*Board, error) {
	r.mu.Lock()
	e, ok := r.boards[projectID]
	if !ok {
		e = r.open(projectID)
		r.boards[projectID] = e
	}
	e.lastUsed = r.now()
	r.mu.Unlock()

	if e.board.Stale() {
		if err := e.board.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return e.board, nil
}

func (r *Registry) open(projectID string) *entry {
	b := New(projectID, r.store, r.logger)
	e := &entry{board: b}
	e.debounce = realtime.NewDebouncer(r.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Refresh(ctx); err != nil {
			r.logger.Warn("refreshing board failed", "project_id", projectID, "error", err)
		}
	})

	filter := realtime.Filter{Column: "project_id", Value: projectID}
	for _, table := range watchedTables {
		sub := r.hub.Subscribe(table, filter)
		e.subs = append(e.subs, sub)
		go func() {
			for range sub.C {
				b.MarkStale()
				e.debounce.Trigger()
			}
		}()
	}
	return e
}

// Forget drops the board of a project and its subscriptions.
func (r *Registry) Forget(projectID string) {
	r.mu.Lock()
	e, ok := r.boards[projectID]
	delete(r.boards, projectID)
	r.mu.Unlock()
	if ok {
		e.close()
	}
}

// Sweep drops boards not requested since cutoff, keeping any with a save in
// flight, and returns how many were dropped.
func (r *Registry) Sweep(cutoff time.Time) int {
	r.mu.Lock()
	var idle []*entry
	for id, e := range r.boards {
		if e.lastUsed.Before(cutoff) && !e.board.Saving() {
			idle = append(idle, e)
			delete(r.boards, id)
		}
	}
	r.mu.Unlock()
	for _, e := range idle {
		e.close()
	}
	return len(idle)
}

// EvictIdle sweeps boards unused for ttl until ctx is done. A non-positive
// ttl keeps boards until Forget or Close.
func (r *Registry) EvictIdle(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now().Add(-ttl)); n > 0 {
				r.logger.Debug("dropped idle boards", "count", n)
			}
		}
	}
}

// Close drops every board.
func (r *Registry) Close() {
	r.mu.Lock()
	boards := r.boards
	r.boards = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range boards {
		e.close()
	}
}

// Len returns the number of live boards.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}

func (e *entry) close() {
	e.debounce.Stop()
	for _, sub := range e.subs {
		sub.Close()
	}
}
