// Package protocol defines the wire format of the copilot session: binary
// audio frames out, JSON events in. Inbound events form a closed tagged
// union keyed by the "event" field; anything outside the union is ignored
// so newer backends can add event kinds without breaking older clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one inbound server event. The concrete types below are the only
// implementations.
type Event interface {
	Kind() string
}

// Transcript carries one speech fragment from the interviewer channel.
// Interim fragments (IsFinal=false) are superseded by later fragments for
// the same turn; final fragments are permanent.
type Transcript struct {
	Text    string
	IsFinal bool
}

// AIStart opens a new AI answer turn.
type AIStart struct{}

// AIChunk carries one raw token chunk of the open AI answer. Chunks are
// concatenated verbatim, no separator.
type AIChunk struct {
	Text string
}

// AIDone closes the open AI answer turn.
type AIDone struct{}

// CreditUpdate is the authoritative remaining balance, in minutes. It
// replaces any locally ticked estimate.
type CreditUpdate struct {
	Balance float64
}

// OutOfCredits orders the client to end the session immediately.
type OutOfCredits struct{}

func (Transcript) Kind() string   { return "transcript" }
func (AIStart) Kind() string      { return "ai_start" }
func (AIChunk) Kind() string      { return "ai_chunk" }
func (AIDone) Kind() string       { return "ai_done" }
func (CreditUpdate) Kind() string { return "credit_update" }
func (OutOfCredits) Kind() string { return "out_of_credits" }

type envelope struct {
	Event string `json:"event"`
}

type transcriptPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type chunkPayload struct {
	Text string `json:"text"`
}

type creditPayload struct {
	Balance float64 `json:"balance"`
}

// Decode parses one inbound text frame. Unknown event kinds return
// (nil, nil): the caller drops them. Malformed frames return an error; the
// session treats those as non-fatal too.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	switch env.Event {
	case "transcript":
		var p transcriptPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding transcript: %w", err)
		}
		return Transcript{Text: p.Text, IsFinal: p.IsFinal}, nil
	case "ai_start":
		return AIStart{}, nil
	case "ai_chunk":
		var p chunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding ai_chunk: %w", err)
		}
		return AIChunk{Text: p.Text}, nil
	case "ai_done":
		return AIDone{}, nil
	case "credit_update":
		var p creditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding credit_update: %w", err)
		}
		return CreditUpdate{Balance: p.Balance}, nil
	case "out_of_credits":
		return OutOfCredits{}, nil
	default:
		return nil, nil
	}
}

// StopNotice is the termination control frame sent immediately before the
// client closes the connection.
func StopNotice() []byte {
	return []byte(`{"text":"stop"}`)
}
