// Package session drives one live copilot session: it owns the audio
// source and the duplex connection, forwards capture chunks upstream,
// reduces inbound events into the conversation log, and reconciles the
// credit meter, tearing everything down exactly once on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/famoratech/InterviewCopilot/capture"
	"github.com/famoratech/InterviewCopilot/conversation"
	"github.com/famoratech/InterviewCopilot/credits"
	"github.com/famoratech/InterviewCopilot/log"
	"github.com/famoratech/InterviewCopilot/protocol"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reason records why a session ended.
type Reason string

const (
	ReasonStopped     Reason = "stopped"
	ReasonRemoteClose Reason = "remote_close"
	ReasonExhausted   Reason = "exhausted"
	ReasonSourceEnded Reason = "source_ended"
	ReasonError       Reason = "error"
)

// ErrMissingToken is a precondition failure: without a credential no
// device or network resource is acquired at all.
var ErrMissingToken = errors.New("missing session credential")

// ErrSessionDone means this controller already ran; a controller is
// one-shot and the composing app builds a new one per session.
var ErrSessionDone = errors.New("session already closed")

// Sink receives display-facing updates. Implementations must be cheap;
// they run on the session's dispatch goroutine.
type Sink interface {
	StateChanged(State)
	Conversation(conversation.Log)
	Remaining(seconds int, known bool)
	Exhausted()
	SessionError(err error)
}

// NopSink discards everything; embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) StateChanged(State)            {}
func (NopSink) Conversation(conversation.Log) {}
func (NopSink) Remaining(int, bool)           {}
func (NopSink) Exhausted()                    {}
func (NopSink) SessionError(error)            {}

var _ Sink = NopSink{}

// ChunkRecorder is an optional local tee of the outbound audio.
type ChunkRecorder interface {
	WriteChunk(pcm []byte) error
}

type Config struct {
	ID    string
	Token string
	URL   string

	// Acquire opens the audio source; the controller owns it afterward.
	Acquire func() (*capture.Source, error)
	// Dial opens the transport; nil means DialWebsocket.
	Dial func(ctx context.Context, urlStr string) (Transport, error)

	Meter   *credits.Meter
	Sink    Sink
	Archive ChunkRecorder
}

type stats struct {
	connectDur   time.Duration
	sentChunks   int
	sentBytes    uint64
	recvEvents   int
	transcripts  int
	aiChunks     int
	creditEvents int
	dropped      int
}

// Controller runs one session. All inbound events are dispatched one at a
// time, in arrival order, on a single goroutine, so the reducer's
// last-entry-only rule needs no locking.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	state  State
	reason Reason
	source *capture.Source
	tr     Transport
	stats  stats
	log    conversation.Log

	startedAt time.Time
	events    chan []byte
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Controller {
	if cfg.Dial == nil {
		cfg.Dial = DialWebsocket
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Meter == nil {
		cfg.Meter = credits.NewMeter()
	}
	return &Controller{
		cfg:    cfg,
		state:  StateIdle,
		events: make(chan []byte, 32),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason is valid once Done() has fired.
func (c *Controller) CloseReason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed after teardown completes.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the current conversation log.
func (c *Controller) Snapshot() conversation.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

// Start acquires the audio source, opens the transport and begins the
// session. A second Start while Connecting or Connected is a no-op, so at
// most one transport and one device acquisition exist per controller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return ErrSessionDone
	}
	if c.cfg.Token == "" {
		c.mu.Unlock()
		return ErrMissingToken
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.cfg.Sink.StateChanged(StateConnecting)

	src, err := c.cfg.Acquire()
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.source = src
	c.mu.Unlock()

	connectStart := time.Now()
	tr, err := c.cfg.Dial(ctx, c.cfg.URL)
	if err != nil {
		src.Release()
		c.fail(err)
		return fmt.Errorf("connecting session: %w", err)
	}

	c.mu.Lock()
	c.tr = tr
	c.stats.connectDur = time.Since(connectStart)
	c.startedAt = time.Now()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.cfg.Sink.StateChanged(StateConnected)

	log.SessionStart(c.cfg.ID, c.cfg.URL, src.DeviceName())
	if s, known := c.cfg.Meter.Remaining(); known {
		c.cfg.Sink.Remaining(s, true)
	}

	go c.runSender()
	go c.runReceiver()
	go c.run()
	return nil
}

// Stop requests cooperative closure. Safe to call at any time, any number
// of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch st {
	case StateIdle:
		// nothing acquired yet; close directly
		c.shutdown(ReasonStopped)
	case StateClosing, StateClosed:
	default:
		c.stopOnce.Do(func() { close(c.stopCh) })
	}
}

// fail closes a session that never reached Connected.
func (c *Controller) fail(err error) {
	c.cfg.Sink.SessionError(err)
	c.shutdown(ReasonError)
}

// run is the single dispatch loop: inbound events in arrival order, the
// one-second credit tick, and every stop condition converge here.
func (c *Controller) run() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	for {
		select {
		case data, ok := <-c.events:
			if !ok {
				// receiver ended: remote close or transport failure,
				// treated identically
				c.shutdown(ReasonRemoteClose)
				return
			}
			if stop := c.dispatch(data); stop {
				c.cfg.Sink.Exhausted()
				c.shutdown(ReasonExhausted)
				return
			}

		case <-tick.C:
			c.cfg.Meter.Tick()
			if s, known := c.cfg.Meter.Remaining(); known {
				c.cfg.Sink.Remaining(s, true)
			}

		case <-c.cfg.Meter.Exhausted():
			c.cfg.Sink.Exhausted()
			c.shutdown(ReasonExhausted)
			return

		case <-src.Ended():
			c.shutdown(ReasonSourceEnded)
			return

		case <-c.stopCh:
			c.shutdown(ReasonStopped)
			return
		}
	}
}

// dispatch applies one inbound frame. Returns true when the event demands
// immediate termination (authoritative exhaustion).
func (c *Controller) dispatch(data []byte) (stop bool) {
	c.mu.Lock()
	c.stats.recvEvents++
	c.mu.Unlock()

	ev, err := protocol.Decode(data)
	if err != nil {
		log.Warnf("dropping malformed frame: %v", err)
		c.countDropped()
		return false
	}
	if ev == nil {
		// unknown event kind, forward-compatible ignore
		c.countDropped()
		return false
	}

	switch ev.(type) {
	case protocol.CreditUpdate:
		c.cfg.Meter.Apply(ev)
		s, _ := c.cfg.Meter.Remaining()
		log.CreditEvent(c.cfg.ID, "update", s)
		c.cfg.Sink.Remaining(s, true)
		c.mu.Lock()
		c.stats.creditEvents++
		c.mu.Unlock()
		return s == 0

	case protocol.OutOfCredits:
		c.cfg.Meter.Apply(ev)
		log.CreditEvent(c.cfg.ID, "out_of_credits", 0)
		c.cfg.Sink.Remaining(0, true)
		c.mu.Lock()
		c.stats.creditEvents++
		c.mu.Unlock()
		return true

	default:
		c.mu.Lock()
		c.log = conversation.Reduce(c.log, ev)
		snapshot := c.log
		switch ev.(type) {
		case protocol.Transcript:
			c.stats.transcripts++
		case protocol.AIChunk:
			c.stats.aiChunks++
		}
		c.mu.Unlock()
		c.cfg.Sink.Conversation(snapshot)
		return false
	}
}

func (c *Controller) countDropped() {
	c.mu.Lock()
	c.stats.dropped++
	c.mu.Unlock()
}

// runSender forwards capture chunks as binary frames in capture order.
// Chunks produced while the transport is not open are dropped, never
// buffered or replayed.
func (c *Controller) runSender() {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	for {
		select {
		case chunk, ok := <-src.Chunks():
			if !ok {
				return
			}
			if c.State() != StateConnected {
				continue
			}
			if c.cfg.Archive != nil {
				if err := c.cfg.Archive.WriteChunk(chunk); err != nil {
					log.Warnf("archive write failed: %v", err)
				}
			}
			c.mu.Lock()
			tr := c.tr
			c.mu.Unlock()
			if tr == nil {
				continue
			}
			if err := tr.Send(chunk); err != nil {
				// receiver will observe the broken transport and end the
				// session; sender just stops
				return
			}
			c.mu.Lock()
			c.stats.sentChunks++
			c.stats.sentBytes += uint64(len(chunk))
			c.mu.Unlock()

		case <-c.done:
			return
		}
	}
}

// runReceiver owns the inbound side; closing c.events tells the dispatch
// loop the transport is gone.
func (c *Controller) runReceiver() {
	defer close(c.events)
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	for {
		data, err := tr.Recv()
		if err != nil {
			return
		}
		select {
		case c.events <- data:
		case <-c.done:
			return
		}
	}
}

// shutdown releases the source, the transport and the dispatch machinery.
// Every exit path lands here; the second and later calls are no-ops.
func (c *Controller) shutdown(reason Reason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.setStateLocked(StateClosing)
		src, tr := c.source, c.tr
		st := c.stats
		startedAt := c.startedAt
		c.mu.Unlock()
		c.cfg.Sink.StateChanged(StateClosing)

		if tr != nil {
			if reason != ReasonRemoteClose {
				// termination notice before closing; best effort
				if err := tr.SendStop(); err != nil {
					log.Warnf("stop notice failed: %v", err)
				}
			}
			tr.Close()
		}
		if src != nil {
			src.Release()
		}

		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.cfg.Sink.StateChanged(StateClosed)
		close(c.done)

		durS := 0.0
		if !startedAt.IsZero() {
			durS = time.Since(startedAt).Seconds()
		}
		log.StreamMetrics(c.cfg.ID, log.StreamMetricsData{
			ConnectMs:    float64(st.connectDur.Milliseconds()),
			TotalMs:      durS * 1000,
			SentChunks:   st.sentChunks,
			SentKB:       float64(st.sentBytes) / 1024,
			RecvEvents:   st.recvEvents,
			Transcripts:  st.transcripts,
			AIChunks:     st.aiChunks,
			CreditEvents: st.creditEvents,
			Dropped:      st.dropped,
		})
		log.SessionEnd(c.cfg.ID, string(reason), durS)
	})
}

// setStateLocked records the transition; callers hold c.mu and notify the
// sink after unlocking so sink code never runs under the session lock.
func (c *Controller) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}
