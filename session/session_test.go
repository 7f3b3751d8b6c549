package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/famoratech/InterviewCopilot/audio"
	"github.com/famoratech/InterviewCopilot/capture"
	"github.com/famoratech/InterviewCopilot/conversation"
	"github.com/famoratech/InterviewCopilot/credits"
	"github.com/famoratech/InterviewCopilot/protocol"
)

type fakeTransport struct {
	inbound chan []byte

	mu     sync.Mutex
	sent   [][]byte
	stops  int
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) SendStop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

func (t *fakeTransport) Recv() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) stopNotices() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type recordSink struct {
	mu        sync.Mutex
	states    []State
	log       conversation.Log
	remaining int
	known     bool
	exhausted bool
	errs      []error
}

func (r *recordSink) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordSink) Conversation(l conversation.Log) {
	r.mu.Lock()
	r.log = l
	r.mu.Unlock()
}

func (r *recordSink) Remaining(seconds int, known bool) {
	r.mu.Lock()
	r.remaining, r.known = seconds, known
	r.mu.Unlock()
}

func (r *recordSink) Exhausted() {
	r.mu.Lock()
	r.exhausted = true
	r.mu.Unlock()
}

func (r *recordSink) SessionError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordSink) lastState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateIdle
	}
	return r.states[len(r.states)-1]
}

func (r *recordSink) snapshot() conversation.Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log
}

type testSession struct {
	ctl   *Controller
	tr    *fakeTransport
	sink  *recordSink
	meter *credits.Meter
	actx  *audio.FakeContext
}

func newTestSession(t *testing.T, mutate func(*Config)) *testSession {
	t.Helper()

	actx := audio.NewFakePCMContext(make([]byte, 64*1024), false)
	svc := capture.NewService(actx, capture.Config{})
	tr := newFakeTransport()
	sink := &recordSink{}
	meter := credits.NewMeter()

	cfg := Config{
		ID:      "test-session",
		Token:   "tok-123",
		URL:     "ws://localhost/ws?token=tok-123",
		Acquire: svc.Acquire,
		Dial: func(context.Context, string) (Transport, error) {
			return tr, nil
		},
		Meter: meter,
		Sink:  sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testSession{ctl: New(cfg), tr: tr, sink: sink, meter: meter, actx: actx}
}

func (ts *testSession) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case ts.tr.inbound <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out delivering inbound frame")
	}
}

func waitDone(t *testing.T, ctl *Controller) {
	t.Helper()
	select {
	case <-ctl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close in time")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRequiresToken(t *testing.T) {
	acquired := false
	ts := newTestSession(t, func(cfg *Config) {
		cfg.Token = ""
		inner := cfg.Acquire
		cfg.Acquire = func() (*capture.Source, error) {
			acquired = true
			return inner()
		}
	})

	err := ts.ctl.Start(context.Background())
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Start() error = %v, want ErrMissingToken", err)
	}
	if acquired {
		t.Error("audio source acquired despite missing token")
	}
	if got := ts.ctl.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	ts := newTestSession(t, nil)

	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := ts.ctl.State(); got != StateConnected {
		t.Fatalf("state after Start = %v, want connected", got)
	}

	// audio should flow upstream once connected
	waitFor(t, "outbound audio", func() bool { return ts.tr.sentCount() > 0 })

	ts.ctl.Stop()
	waitDone(t, ts.ctl)

	if got := ts.ctl.State(); got != StateClosed {
		t.Errorf("state after Stop = %v, want closed", got)
	}
	if got := ts.ctl.CloseReason(); got != ReasonStopped {
		t.Errorf("close reason = %q, want %q", got, ReasonStopped)
	}
	if n := ts.tr.stopNotices(); n != 1 {
		t.Errorf("stop notices sent = %d, want 1", n)
	}
	if !ts.tr.isClosed() {
		t.Error("transport not closed")
	}
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	acquires := 0
	ts := newTestSession(t, func(cfg *Config) {
		inner := cfg.Acquire
		cfg.Acquire = func() (*capture.Source, error) {
			acquires++
			return inner()
		}
	})
	defer func() { ts.ctl.Stop(); waitDone(t, ts.ctl) }()

	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if acquires != 1 {
		t.Errorf("acquire called %d times, want 1", acquires)
	}
}

func TestStartAfterClose(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ts.ctl.Stop()
	waitDone(t, ts.ctl)

	if err := ts.ctl.Start(context.Background()); !errors.Is(err, ErrSessionDone) {
		t.Fatalf("Start() after close error = %v, want ErrSessionDone", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ts.ctl.Stop()
	ts.ctl.Stop()
	waitDone(t, ts.ctl)
	ts.ctl.Stop()

	if n := ts.tr.stopNotices(); n != 1 {
		t.Errorf("stop notices sent = %d, want 1", n)
	}
}

func TestEventsReduceIntoConversation(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { ts.ctl.Stop(); waitDone(t, ts.ctl) }()

	ts.deliver(t, `{"event":"transcript","text":"Tell me","is_final":false}`)
	ts.deliver(t, `{"event":"transcript","text":"Tell me about yourself","is_final":true}`)
	ts.deliver(t, `{"event":"ai_start"}`)
	ts.deliver(t, `{"event":"ai_chunk","text":"Sure, "}`)
	ts.deliver(t, `{"event":"ai_chunk","text":"happy to."}`)
	ts.deliver(t, `{"event":"ai_done"}`)

	waitFor(t, "two conversation entries", func() bool {
		l := ts.sink.snapshot()
		return len(l) == 2 && !l[1].Streaming
	})

	l := ts.sink.snapshot()
	if got := l[0].Text(); got != "Tell me about yourself" {
		t.Errorf("transcript entry = %q, want %q", got, "Tell me about yourself")
	}
	if got := l[1].Text(); got != "Sure, happy to." {
		t.Errorf("answer entry = %q, want %q", got, "Sure, happy to.")
	}
}

func TestCreditUpdateReplacesLocalEstimate(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.meter.Seed(15)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { ts.ctl.Stop(); waitDone(t, ts.ctl) }()

	ts.deliver(t, `{"event":"credit_update","balance":14}`)
	waitFor(t, "authoritative balance", func() bool {
		s, known := ts.meter.Remaining()
		return known && s <= 14*60 && s > 14*60-5
	})

	// a local tick may land between the update and this read
	ts.sink.mu.Lock()
	remaining := ts.sink.remaining
	ts.sink.mu.Unlock()
	if remaining != 14*60 && remaining != 14*60-1 {
		t.Errorf("sink remaining = %d, want about %d", remaining, 14*60)
	}
}

func TestOutOfCreditsEndsSession(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.meter.Seed(15)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts.deliver(t, `{"event":"out_of_credits"}`)
	waitDone(t, ts.ctl)

	if got := ts.ctl.CloseReason(); got != ReasonExhausted {
		t.Errorf("close reason = %q, want %q", got, ReasonExhausted)
	}
	if s, _ := ts.meter.Remaining(); s != 0 {
		t.Errorf("remaining after out_of_credits = %d, want 0", s)
	}
	ts.sink.mu.Lock()
	exhausted, remaining := ts.sink.exhausted, ts.sink.remaining
	ts.sink.mu.Unlock()
	if !exhausted {
		t.Error("sink never notified of exhaustion")
	}
	if remaining != 0 {
		t.Errorf("sink remaining = %d, want 0", remaining)
	}
	if n := ts.tr.stopNotices(); n != 1 {
		t.Errorf("stop notices sent = %d, want 1", n)
	}
}

func TestMeterReuseAfterTopUp(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.meter.Seed(15)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ts.deliver(t, `{"event":"out_of_credits"}`)
	waitDone(t, ts.ctl)
	if got := ts.ctl.CloseReason(); got != ReasonExhausted {
		t.Fatalf("close reason = %q, want %q", got, ReasonExhausted)
	}

	// the account is topped up; a new session sharing the meter must run
	ts.meter.Apply(protocol.CreditUpdate{Balance: 5})

	ts2 := newTestSession(t, func(cfg *Config) { cfg.Meter = ts.meter })
	if err := ts2.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() after top-up error = %v", err)
	}
	select {
	case <-ts2.ctl.Done():
		s, _ := ts.meter.Remaining()
		t.Fatalf("session closed immediately, reason=%q, remaining=%d", ts2.ctl.CloseReason(), s)
	case <-time.After(300 * time.Millisecond):
	}
	if got := ts2.ctl.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}

	ts2.ctl.Stop()
	waitDone(t, ts2.ctl)
	if got := ts2.ctl.CloseReason(); got != ReasonStopped {
		t.Errorf("close reason = %q, want %q", got, ReasonStopped)
	}
}

func TestCreditUpdateToZeroEndsSession(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.meter.Seed(15)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts.deliver(t, `{"event":"credit_update","balance":0}`)
	waitDone(t, ts.ctl)

	if got := ts.ctl.CloseReason(); got != ReasonExhausted {
		t.Errorf("close reason = %q, want %q", got, ReasonExhausted)
	}
}

func TestRemoteClose(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	close(ts.tr.inbound)
	waitDone(t, ts.ctl)

	if got := ts.ctl.CloseReason(); got != ReasonRemoteClose {
		t.Errorf("close reason = %q, want %q", got, ReasonRemoteClose)
	}
	// no point notifying a peer that already went away
	if n := ts.tr.stopNotices(); n != 0 {
		t.Errorf("stop notices sent = %d, want 0", n)
	}
	if got := ts.ctl.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestSourceEndedClosesSession(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts.actx.LastCapture().EndSource()
	waitDone(t, ts.ctl)

	if got := ts.ctl.CloseReason(); got != ReasonSourceEnded {
		t.Errorf("close reason = %q, want %q", got, ReasonSourceEnded)
	}
	if n := ts.tr.stopNotices(); n != 1 {
		t.Errorf("stop notices sent = %d, want 1", n)
	}
}

func TestDialFailureReleasesSource(t *testing.T) {
	var src *capture.Source
	ts := newTestSession(t, func(cfg *Config) {
		inner := cfg.Acquire
		cfg.Acquire = func() (*capture.Source, error) {
			s, err := inner()
			src = s
			return s, err
		}
		cfg.Dial = func(context.Context, string) (Transport, error) {
			return nil, fmt.Errorf("connection refused")
		}
	})

	if err := ts.ctl.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded despite dial failure")
	}
	waitDone(t, ts.ctl)

	if got := ts.ctl.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	// a released source closes its chunk stream
	waitFor(t, "source release", func() bool {
		select {
		case _, ok := <-src.Chunks():
			return !ok
		default:
			return false
		}
	})
	ts.sink.mu.Lock()
	errs := len(ts.sink.errs)
	ts.sink.mu.Unlock()
	if errs == 0 {
		t.Error("sink never saw the dial error")
	}
}

func TestUnknownEventsIgnored(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { ts.ctl.Stop(); waitDone(t, ts.ctl) }()

	ts.deliver(t, `{"event":"telemetry","lag_ms":12}`)
	ts.deliver(t, `not json at all`)
	ts.deliver(t, `{"event":"transcript","text":"still alive","is_final":true}`)

	waitFor(t, "transcript after junk frames", func() bool {
		l := ts.sink.snapshot()
		return len(l) == 1 && l[0].Text() == "still alive"
	})
	if got := ts.ctl.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}
