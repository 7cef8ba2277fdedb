package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// subscription is one live Subscribe call.
type subscription struct {
	filter  EventFilter
	queue   chan StreamEvent
	dropped atomic.Uint64
}

// MemoryHub is an in-process EventHub. A slow subscriber loses events once
// its queue is full; publishers never block.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{buffer: DefaultBuffer, subs: make(map[*subscription]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers event to every matching subscription. A zero timestamp is
// stamped with the current time.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.filter.Matches(event) {
			h.offer(sub, event)
		}
	}
	return nil
}

func (h *MemoryHub) offer(sub *subscription, event StreamEvent) {
	select {
	case sub.queue <- event:
	default:
		sub.dropped.Add(1)
		h.dropped.Add(1)
	}
}

// Subscribe registers a filtered subscription. It ends when the returned
// func is called or ctx is done, whichever comes first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, queue: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	remove := sync.OnceFunc(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	})
	detach := context.AfterFunc(ctx, remove)
	return sub.queue, func() {
		detach()
		remove()
	}, nil
}

// HubStats summarizes hub traffic.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns current traffic counters.
func (h *MemoryHub) Stats() HubStats {
	return HubStats{
		Subscribers: h.Subscribers(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were lost to full queues.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Matches reports whether e passes every non-empty field of f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.NodeID != "" && f.NodeID != e.NodeID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

var _ EventHub = (*MemoryHub)(nil)
