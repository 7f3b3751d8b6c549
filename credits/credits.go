// Package credits tracks the prepaid time balance for a live session.
//
// The meter ticks down locally once per second for a smooth display, but
// the backend is the source of truth: a credit_update replaces the local
// estimate outright, and out_of_credits zeroes it and fires the exhaustion
// signal. Until a balance has been seeded the meter is "unknown" and does
// nothing.
package credits

import (
	"math"
	"sync"

	"github.com/famoratech/InterviewCopilot/protocol"
)

type Meter struct {
	mu        sync.Mutex
	remaining int // seconds
	known     bool

	exhausted chan struct{}
}

func NewMeter() *Meter {
	return &Meter{exhausted: make(chan struct{})}
}

// Seed sets the initial balance from the out-of-band account lookup, in
// whole minutes. A meter that is never seeded stays unknown.
func (m *Meter) Seed(minutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(minutes * 60)
}

// Remaining reports the current estimate in seconds. known is false before
// the first seed or authoritative update.
func (m *Meter) Remaining() (seconds int, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining, m.known
}

func (m *Meter) Known() bool {
	_, known := m.Remaining()
	return known
}

// Tick decrements the local estimate by one second. It is a display
// smoothing mechanism only: it never goes below zero and is a no-op while
// the balance is unknown.
func (m *Meter) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known || m.remaining == 0 {
		return
	}
	m.set(m.remaining - 1)
}

// Apply consumes a credit event. credit_update replaces the estimate with
// the authoritative balance (minutes, truncated to seconds — never show
// more time than the server granted). out_of_credits forces zero.
// Other events are ignored.
func (m *Meter) Apply(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.CreditUpdate:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.set(int(math.Floor(e.Balance * 60)))
	case protocol.OutOfCredits:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.set(0)
	}
}

// Exhausted is closed when the balance reaches zero, whether by local
// tick or by authoritative event. A later update that restores a positive
// balance re-arms the signal, so a meter outlives the session it starved:
// callers must fetch the channel again rather than hold a stale one.
func (m *Meter) Exhausted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// set stores a non-negative balance and keeps the exhaustion signal in
// step with it. Callers hold m.mu.
func (m *Meter) set(seconds int) {
	m.remaining = max(seconds, 0)
	m.known = true

	closed := false
	select {
	case <-m.exhausted:
		closed = true
	default:
	}

	if m.remaining == 0 && !closed {
		close(m.exhausted)
	} else if m.remaining > 0 && closed {
		m.exhausted = make(chan struct{})
	}
}
