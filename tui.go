package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/famoratech/InterviewCopilot/conversation"
	"github.com/famoratech/InterviewCopilot/session"
)

// TUI message types
type SessionStateMsg struct{ State session.State }
type ConversationMsg struct{ Log conversation.Log }
type RemainingMsg struct {
	Seconds int
	Known   bool
}
type ExhaustedMsg struct{}
type SessionErrorMsg struct{ Err error }
type DeviceLineMsg struct{ Text string }
type CopiedMsg struct{ OK bool }
type tickMsg time.Time

var (
	labelInterviewer = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	labelCopilot     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	textFinal        = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	textPending      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	textAnswer       = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	statusLive       = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusIdle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusWarn       = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	creditStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	creditLowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	upsellStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpBoldStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	errStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// lowCreditThreshold switches the remaining-time line to the warning
// style.
const lowCreditThreshold = 2 * 60

type tuiModel struct {
	width, height int
	frame         int

	state      session.State
	log        conversation.Log
	remaining  int
	known      bool
	exhausted  bool
	errText    string
	deviceLine string
	copied     bool
	copiedAt   int
}

func NewTUIProgram() *tea.Program {
	return tea.NewProgram(tuiModel{state: session.StateIdle}, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			select {
			case startStopChan <- struct{}{}:
			default:
			}
		case "c":
			select {
			case copyChan <- struct{}{}:
			default:
			}
		}

	case tickMsg:
		m.frame++
		if m.copied && m.frame-m.copiedAt > 4 {
			m.copied = false
		}
		return m, tuiTick()

	case SessionStateMsg:
		m.state = msg.State
		if msg.State == session.StateConnecting {
			// a fresh session starts with a clean slate; the credit line
			// comes back via RemainingMsg
			m.errText = ""
			m.exhausted = false
		}

	case ConversationMsg:
		m.log = msg.Log

	case RemainingMsg:
		m.remaining = msg.Seconds
		m.known = msg.Known

	case ExhaustedMsg:
		m.exhausted = true
		m.remaining = 0
		m.known = true

	case SessionErrorMsg:
		m.errText = msg.Err.Error()

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case CopiedMsg:
		m.copied = msg.OK
		m.copiedAt = m.frame
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.statusLine() + "\n")
	b.WriteString(m.creditLine() + "\n")
	if m.deviceLine != "" {
		b.WriteString(statusIdle.Render(m.deviceLine) + "\n")
	}
	if m.errText != "" {
		b.WriteString(errStyle.Render("error: "+m.errText) + "\n")
	}
	b.WriteString("\n")

	body := m.renderConversation()
	footer := m.helpLine()

	// keep the tail of the conversation visible
	used := strings.Count(b.String(), "\n") + 2
	avail := m.height - used
	if avail < 1 {
		avail = 1
	}
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) > avail {
		lines = lines[len(lines)-avail:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	for i := len(lines); i < avail; i++ {
		b.WriteString("\n")
	}
	b.WriteString("\n" + footer)
	return b.String()
}

func (m tuiModel) statusLine() string {
	switch m.state {
	case session.StateConnecting:
		return statusWarn.Render("◌ CONNECTING")
	case session.StateConnected:
		return statusLive.Render("● LIVE")
	case session.StateClosing:
		return statusWarn.Render("◌ ENDING")
	case session.StateClosed:
		return statusIdle.Render("○ ENDED (s to start a new session)")
	}
	return statusIdle.Render("○ STANDBY (s to start)")
}

func (m tuiModel) creditLine() string {
	if m.exhausted {
		return upsellStyle.Render("Out of credits — top up your account to continue.")
	}
	if !m.known {
		return creditStyle.Render("credits: unknown")
	}
	line := fmt.Sprintf("credits: %02d:%02d remaining", m.remaining/60, m.remaining%60)
	if m.remaining <= lowCreditThreshold {
		return creditLowStyle.Render(line)
	}
	return creditStyle.Render(line)
}

func (m tuiModel) renderConversation() string {
	if len(m.log) == 0 {
		if m.state == session.StateConnected {
			return textPending.Render("Waiting for the interviewer to speak...")
		}
		return textPending.Render("No conversation yet.")
	}

	wrapWidth := m.width - 2
	if wrapWidth < 20 {
		wrapWidth = 20
	}

	var b strings.Builder
	for _, e := range m.log {
		if e.Kind == conversation.KindAI {
			b.WriteString(labelCopilot.Render("Copilot") + "\n")
			text := e.Finalized
			cursor := ""
			if e.Streaming && m.frame%2 == 0 {
				cursor = "▌"
			}
			for _, line := range wrapText(text+cursor, wrapWidth) {
				b.WriteString(textAnswer.Render(line) + "\n")
			}
		} else {
			b.WriteString(labelInterviewer.Render("Interviewer") + "\n")
			for _, line := range wrapText(e.Finalized, wrapWidth) {
				b.WriteString(textFinal.Render(line) + "\n")
			}
			if e.Pending != "" {
				for _, line := range wrapText(strings.TrimLeft(e.Pending, " "), wrapWidth) {
					b.WriteString(textPending.Render(line) + "\n")
				}
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m tuiModel) helpLine() string {
	help := helpBoldStyle.Render("s") + helpStyle.Render(" start/stop  ") +
		helpBoldStyle.Render("c") + helpStyle.Render(" copy answer  ") +
		helpBoldStyle.Render("q") + helpStyle.Render(" quit")
	if m.copied {
		help += "  " + labelCopilot.Render("[✓ copied]")
	}
	return help + "  " + helpStyle.Render("interviewcopilot "+version)
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
