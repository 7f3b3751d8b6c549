package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famoratech/InterviewCopilot/audio"
	"github.com/famoratech/InterviewCopilot/capture"
	"github.com/famoratech/InterviewCopilot/conversation"
	"github.com/famoratech/InterviewCopilot/credits"
	"github.com/famoratech/InterviewCopilot/log"
	"github.com/famoratech/InterviewCopilot/session"
)

// scriptTransport is the headless stand-in for the websocket: outbound
// frames are counted and discarded, inbound frames come from the stdin
// driver.
type scriptTransport struct {
	inbound chan []byte

	mu     sync.Mutex
	sent   int
	closed bool
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{inbound: make(chan []byte, 64)}
}

func (t *scriptTransport) Send([]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.sent++
	return nil
}

func (t *scriptTransport) SendStop() error {
	fmt.Println("SENT stop-notice")
	return nil
}

func (t *scriptTransport) Recv() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, fmt.Errorf("connection closed")
	}
	return data, nil
}

func (t *scriptTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// printSink reports session progress as parseable stdout lines.
type printSink struct{ mu sync.Mutex }

func (p *printSink) StateChanged(s session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println("STATE", s)
}

func (p *printSink) Conversation(l conversation.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := l.Last(); ok {
		fmt.Printf("ENTRY %s %q\n", e.Kind, e.Text())
	}
}

func (p *printSink) Remaining(seconds int, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if known {
		fmt.Println("REMAINING", seconds)
	}
}

func (p *printSink) Exhausted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println("EXHAUSTED")
}

func (p *printSink) SessionError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println("ERROR", err)
}

// runTestMode drives a full session against a fake device and a scripted
// transport, controlled line-by-line from stdin:
//
//	SEED <minutes>   seed the credit meter
//	START            start a session
//	EVENT <json>     inject one inbound frame
//	END_SOURCE       simulate the OS revoking the capture
//	STOP             stop the session
//	WAIT             block until the session is fully closed
//	SLEEP <ms>       pause the driver
//	QUIT             exit
func runTestMode(wavPath, token string) {
	fakeCtx, err := audio.NewFakeContext(wavPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}

	svc := capture.NewService(fakeCtx, capture.Config{})
	meter := credits.NewMeter()
	sink := &printSink{}

	var mu sync.Mutex
	var ctl *session.Controller
	var tr *scriptTransport

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch {
		case cmd == "START":
			next := newScriptTransport()
			c := session.New(session.Config{
				ID:      uuid.NewString(),
				Token:   token,
				URL:     "ws://test/ws",
				Acquire: svc.Acquire,
				Dial: func(context.Context, string) (session.Transport, error) {
					return next, nil
				},
				Meter: meter,
				Sink:  sink,
			})
			if err := c.Start(context.Background()); err != nil {
				fmt.Println("ERROR", err)
				continue
			}
			mu.Lock()
			ctl, tr = c, next
			mu.Unlock()

		case strings.HasPrefix(cmd, "EVENT "):
			mu.Lock()
			t := tr
			mu.Unlock()
			if t != nil {
				t.inbound <- []byte(cmd[len("EVENT "):])
			}

		case strings.HasPrefix(cmd, "SEED "):
			if minutes, err := strconv.Atoi(cmd[len("SEED "):]); err == nil {
				meter.Seed(minutes)
			}

		case cmd == "END_SOURCE":
			if dev := fakeCtx.LastCapture(); dev != nil {
				dev.EndSource()
			}

		case cmd == "STOP":
			mu.Lock()
			c := ctl
			mu.Unlock()
			if c != nil {
				c.Stop()
			}

		case cmd == "WAIT":
			mu.Lock()
			c := ctl
			mu.Unlock()
			if c != nil {
				<-c.Done()
			}

		case strings.HasPrefix(cmd, "SLEEP "):
			if ms, err := strconv.Atoi(cmd[len("SLEEP "):]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}

		case cmd == "QUIT":
			mu.Lock()
			c := ctl
			mu.Unlock()
			if c != nil {
				c.Stop()
				<-c.Done()
			}
			log.Close()
			os.Exit(0)
		}
	}
}
