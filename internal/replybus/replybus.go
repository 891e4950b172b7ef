// Package replybus correlates device pub/sub replies with the admin HTTP
// collaborator's outstanding commands (spec.md §4.I): a command publish
// carries a caller-supplied "id", and the device's eventual reply on the
// same topic carries it back so the HTTP handler can match the two without
// the core exposing anything beyond publish/lookup.
package replybus

import (
	"encoding/json"
	"sync"
	"time"
)

type key struct {
	mac string
	id  string
}

// Bus matches one device reply to one waiting Await call by (mac, id).
type Bus struct {
	mu      sync.Mutex
	waiters map[key]chan json.RawMessage
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{waiters: make(map[key]chan json.RawMessage)}
}

// Await blocks until a matching Deliver arrives or timeout elapses. ok is
// false on timeout.
func (b *Bus) Await(mac, id string, timeout time.Duration) (json.RawMessage, bool) {
	k := key{mac: mac, id: id}
	ch := make(chan json.RawMessage, 1)

	b.mu.Lock()
	b.waiters[k] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, k)
		b.mu.Unlock()
	}()

	select {
	case body := <-ch:
		return body, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Deliver extracts an "id" field from payload and, if a waiter is
// registered for (mac, id), hands it the payload. It reports whether a
// waiter consumed it, so the caller can decide whether the message still
// needs its ordinary fallback handling.
func (b *Bus) Deliver(mac string, payload []byte) bool {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		return false
	}

	b.mu.Lock()
	ch, ok := b.waiters[key{mac: mac, id: env.ID}]
	b.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}
