// Package pending correlates responses with the synchronous requests
// waiting for them.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/fabricbridge/fabric"
)

// Table tracks requests waiting for a response, keyed by request message id
type Table struct {
	mu      sync.Mutex
	waiters map[string]chan *fabric.Message
}

// New creates an empty table
func New() *Table {
	return &Table{waiters: make(map[string]chan *fabric.Message)}
}

// Add registers a waiter for the request id. The returned channel receives
// the response, or is closed when the table fails all waiters.
func (t *Table) Add(id string) <-chan *fabric.Message {
	ch := make(chan *fabric.Message, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// Remove drops the waiter for id, if any
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// Deliver hands resp to the request it answers. It reports false when no
// request is waiting, e.g. because it already timed out.
func (t *Table) Deliver(resp *fabric.Message) bool {
	t.mu.Lock()
	ch, ok := t.waiters[resp.RequestMessageID]
	if ok {
		delete(t.waiters, resp.RequestMessageID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// FailAll closes every waiter; their requests fail with fabric.ErrClosed
func (t *Table) FailAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

// Len returns the number of waiting requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Wait blocks until the response for id arrives on ch, the timeout elapses
// or ctx is done. The waiter is removed on return.
func (t *Table) Wait(ctx context.Context, id string, ch <-chan *fabric.Message, timeout time.Duration) (*fabric.Message, error) {
	defer t.Remove(id)

	timer := time.NewTimer(fabric.EffectiveTimeout(timeout))
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fabric.ErrClosed
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s: %w", id, fabric.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
