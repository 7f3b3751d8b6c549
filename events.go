package main

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/famoratech/InterviewCopilot/conversation"
	"github.com/famoratech/InterviewCopilot/session"
)

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink forwards session updates into the Bubble Tea program as typed
// messages. It is safe before the program exists; messages are dropped.
type tuiSink struct{}

func (tuiSink) StateChanged(s session.State)    { tuiSend(SessionStateMsg{State: s}) }
func (tuiSink) Conversation(l conversation.Log) { tuiSend(ConversationMsg{Log: l}) }
func (tuiSink) Exhausted()                      { tuiSend(ExhaustedMsg{}) }
func (tuiSink) SessionError(err error)          { tuiSend(SessionErrorMsg{Err: err}) }

func (tuiSink) Remaining(seconds int, known bool) {
	tuiSend(RemainingMsg{Seconds: seconds, Known: known})
}
