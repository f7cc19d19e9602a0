// Package gatewaytest provides an in-memory gateway.Transport for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"fleetconsole/internal/gateway"
)

type Call struct {
	Method string
	Params json.RawMessage
}

// Decode unmarshals the recorded params into v.
func (c Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type Transport struct {
	mu         sync.Mutex
	status     gateway.Status
	instanceID string
	handlers   map[string]Handler
	calls      []Call

	nextID   int
	events   map[int]func(gateway.EventFrame)
	statuses map[int]func(gateway.Status)
	seq      int64
}

var _ gateway.Transport = (*Transport)(nil)

// New returns a connected fake transport with no method handlers.
func New() *Transport {
	return &Transport{
		status:   gateway.StatusConnected,
		handlers: make(map[string]Handler),
		events:   make(map[int]func(gateway.EventFrame)),
		statuses: make(map[int]func(gateway.Status)),
	}
}

func (t *Transport) Handle(method string, h Handler) {
	t.mu.Lock()
	t.handlers[method] = h
	t.mu.Unlock()
}

// Reply makes method always succeed with payload.
func (t *Transport) Reply(method string, payload any) {
	t.Handle(method, func(context.Context, json.RawMessage) (any, error) { return payload, nil })
}

// Fail makes method always return err.
func (t *Transport) Fail(method string, err error) {
	t.Handle(method, func(context.Context, json.RawMessage) (any, error) { return nil, err })
}

func (t *Transport) Call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = data
	}

	t.mu.Lock()
	t.calls = append(t.calls, Call{Method: method, Params: raw})
	status := t.status
	h := t.handlers[method]
	t.mu.Unlock()

	if status != gateway.StatusConnected {
		return fmt.Errorf("%s: %w", method, gateway.ErrNotConnected)
	}
	if h == nil {
		return &gateway.RPCError{Method: method, Code: "UNKNOWN_METHOD", Message: "unknown method"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *Transport) CallsTo(method string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (t *Transport) OnEvent(handler func(gateway.EventFrame)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.events[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.events, id)
		t.mu.Unlock()
	}
}

func (t *Transport) OnStatus(handler func(gateway.Status)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.statuses[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.statuses, id)
		t.mu.Unlock()
	}
}

func (t *Transport) Status() gateway.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transport) InstanceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.instanceID
}

func (t *Transport) SetInstanceID(id string) {
	t.mu.Lock()
	t.instanceID = id
	t.mu.Unlock()
}

// SetStatus changes the status and notifies subscribers synchronously.
func (t *Transport) SetStatus(s gateway.Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	subs := make([]func(gateway.Status), 0, len(t.statuses))
	for _, id := range sortedKeys(t.statuses) {
		subs = append(subs, t.statuses[id])
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Restart simulates a gateway restart: disconnected, new instance id, connected.
func (t *Transport) Restart(newInstanceID string) {
	t.SetStatus(gateway.StatusDisconnected)
	t.SetInstanceID(newInstanceID)
	t.SetStatus(gateway.StatusConnected)
}

// Emit delivers an event frame to every subscriber synchronously.
func (t *Transport) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	t.seq++
	frame := gateway.EventFrame{Event: event, Payload: data, Seq: t.seq}
	subs := make([]func(gateway.EventFrame), 0, len(t.events))
	for _, id := range sortedKeys(t.events) {
		subs = append(subs, t.events[id])
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(frame)
	}
}

func sortedKeys[T any](m map[int]T) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
