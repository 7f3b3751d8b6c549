// Package conversation reduces the inbound event stream into an ordered
// log of interviewer and AI turns. Reduce is a pure function: it never
// mutates an existing entry, and only the last entry of the log may be
// structurally replaced, so each event is O(1) to apply.
package conversation

import (
	"time"

	"github.com/famoratech/InterviewCopilot/protocol"
)

type Kind int

const (
	KindTranscript Kind = iota
	KindAI
)

func (k Kind) String() string {
	if k == KindAI {
		return "ai"
	}
	return "transcript"
}

// Entry is one visible conversation unit.
//
// For transcript entries, Finalized accumulates confirmed speech and
// Pending holds the most recent interim fragment, fully replaced on every
// interim update and cleared on finalization. For AI entries, Finalized
// accumulates raw chunks and Pending is unused.
type Entry struct {
	Kind      Kind
	Finalized string
	Pending   string
	CreatedAt time.Time
	Streaming bool
}

// Text is the entry as rendered: confirmed text followed by the dimmed
// interim tail.
func (e Entry) Text() string {
	return e.Finalized + e.Pending
}

type Log []Entry

// Last returns the final entry, or a zero Entry when the log is empty.
func (l Log) Last() (Entry, bool) {
	if len(l) == 0 {
		return Entry{}, false
	}
	return l[len(l)-1], true
}

// LastAnswer returns the text of the most recent completed AI entry.
func (l Log) LastAnswer() string {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Kind == KindAI && !l[i].Streaming {
			return l[i].Finalized
		}
	}
	return ""
}

// Reduce applies one event and returns the resulting log. The input log is
// never modified. Events that violate the one-open-turn protocol (an
// ai_chunk or ai_done with no open AI entry) are dropped.
func Reduce(l Log, ev protocol.Event) Log {
	switch e := ev.(type) {
	case protocol.Transcript:
		if e.IsFinal {
			return reduceFinal(l, e.Text)
		}
		return reduceInterim(l, e.Text)

	case protocol.AIStart:
		// An AI turn never merges into a prior one.
		return appendEntry(l, Entry{Kind: KindAI, CreatedAt: time.Now(), Streaming: true})

	case protocol.AIChunk:
		last, ok := l.Last()
		if !ok || last.Kind != KindAI {
			return l
		}
		last.Finalized += e.Text
		return replaceLast(l, last)

	case protocol.AIDone:
		last, ok := l.Last()
		if !ok || last.Kind != KindAI {
			return l
		}
		last.Streaming = false
		return replaceLast(l, last)
	}
	return l
}

func reduceInterim(l Log, text string) Log {
	last, ok := l.Last()
	if ok && last.Kind == KindTranscript {
		last.Pending = " " + text
		return replaceLast(l, last)
	}
	return appendEntry(l, Entry{Kind: KindTranscript, Pending: text, CreatedAt: time.Now()})
}

func reduceFinal(l Log, text string) Log {
	last, ok := l.Last()
	if ok && last.Kind == KindTranscript {
		if last.Finalized != "" {
			last.Finalized += " " + text
		} else {
			last.Finalized = text
		}
		last.Pending = ""
		return replaceLast(l, last)
	}
	return appendEntry(l, Entry{Kind: KindTranscript, Finalized: text, CreatedAt: time.Now()})
}

func appendEntry(l Log, e Entry) Log {
	out := make(Log, len(l), len(l)+1)
	copy(out, l)
	return append(out, e)
}

func replaceLast(l Log, e Entry) Log {
	out := make(Log, len(l))
	copy(out, l)
	out[len(out)-1] = e
	return out
}
