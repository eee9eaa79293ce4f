package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duplexstream/message"
	"duplexstream/metrics"

	"github.com/google/uuid"
)

// Pending is one outbound request waiting for its response. It resolves
// exactly once.
type Pending struct {
	ID        uuid.UUID
	CreatedAt time.Time

	once     sync.Once
	done     chan struct{}
	response *message.ReceiveResponse
	err      error
}

func (p *Pending) resolve(resp *message.ReceiveResponse, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.response, p.err = resp, err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the entry resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// RequestManager correlates outbound request ids with their waiters.
//
//	Register(id) ──→ pending[id] ──→ Complete(id, resp) ──→ waiter wakes with resp
//	                           └──→ Cancel / CancelAll / timeout ──→ waiter wakes with error
//
// Every path out of the table removes the entry first, so a late response
// for a removed id is a no-op.
type RequestManager struct {
	pending sync.Map // map[uuid.UUID]*Pending
	count   atomic.Int64
	metrics *metrics.Collector
}

func NewRequestManager(m *metrics.Collector) *RequestManager {
	return &RequestManager{metrics: m}
}

// Register adds a pending entry. Registering an id twice is an error.
func (m *RequestManager) Register(id uuid.UUID) (*Pending, error) {
	p := &Pending{ID: id, CreatedAt: time.Now(), done: make(chan struct{})}
	if _, loaded := m.pending.LoadOrStore(id, p); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	m.metrics.SetPending(int(m.count.Add(1)))
	return p, nil
}

func (m *RequestManager) take(id uuid.UUID) (*Pending, bool) {
	v, ok := m.pending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	m.metrics.SetPending(int(m.count.Add(-1)))
	return v.(*Pending), true
}

// Has reports whether id is still awaiting a response.
func (m *RequestManager) Has(id uuid.UUID) bool {
	_, ok := m.pending.Load(id)
	return ok
}

// Len returns the number of pending entries.
func (m *RequestManager) Len() int {
	return int(m.count.Load())
}

// Complete resolves id with resp. Unknown ids are ignored.
func (m *RequestManager) Complete(id uuid.UUID, resp *message.ReceiveResponse) bool {
	p, ok := m.take(id)
	if !ok {
		return false
	}
	return p.resolve(resp, nil)
}

// Cancel resolves id with ErrRequestCancelled.
func (m *RequestManager) Cancel(id uuid.UUID) bool {
	return m.Fail(id, ErrRequestCancelled)
}

// Fail resolves id with err.
func (m *RequestManager) Fail(id uuid.UUID, err error) bool {
	p, ok := m.take(id)
	if !ok {
		return false
	}
	return p.resolve(nil, err)
}

// CancelAll resolves every pending entry with reason and returns how many
// were resolved.
func (m *RequestManager) CancelAll(reason error) int {
	n := 0
	m.pending.Range(func(key, _ any) bool {
		if p, ok := m.take(key.(uuid.UUID)); ok && p.resolve(nil, reason) {
			n++
		}
		return true
	})
	return n
}

// Wait blocks until p resolves, timeout elapses or ctx ends. A timeout of
// zero waits without limit. On timeout or cancellation the entry is removed
// before returning.
func (m *RequestManager) Wait(ctx context.Context, p *Pending, timeout time.Duration) (*message.ReceiveResponse, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
	case <-expired:
		m.Fail(p.ID, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout))
	case <-ctx.Done():
		m.Fail(p.ID, ctx.Err())
	}

	// A response may have won the race against Fail; either way p resolves.
	<-p.done
	return p.response, p.err
}
