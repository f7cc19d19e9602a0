package gateway

import (
	"context"
	"sort"
	"sync"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Transport is the duplex gateway connection consumed by the console core.
type Transport interface {
	Call(ctx context.Context, method string, params any, out any) error
	OnEvent(handler func(EventFrame)) (unsubscribe func())
	Status() Status
	OnStatus(handler func(Status)) (unsubscribe func())
	// InstanceID is the gateway process identity reported by the last handshake ("" if unknown).
	InstanceID() string
}

// handlerSet keeps subscribers in registration order.
type handlerSet[T any] struct {
	mu     sync.Mutex
	nextID int
	items  map[int]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.items == nil {
		h.items = make(map[int]func(T))
	}
	h.nextID++
	id := h.nextID
	h.items[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.items, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlerSet[T]) snapshot() []func(T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.items))
	for id := range h.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, h.items[id])
	}
	return out
}

func (h *handlerSet[T]) emit(v T) {
	for _, fn := range h.snapshot() {
		fn(v)
	}
}
