// Package ui is the terminal status view for a running retune session.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/retune/internal/engine"
	"github.com/MrWong99/retune/pkg/pitch"
)

// actionTimeout bounds a start or stop triggered from the keyboard.
const actionTimeout = 15 * time.Second

// retuneStep is the change in target frequency per key press, in Hz.
const retuneStep = 1.0

// Control is the session surface the view drives.
type Control interface {
	// Toggle starts a stopped session or stops a running one.
	Toggle(ctx context.Context) error

	// Reset acknowledges an error state.
	Reset()

	// Retune moves the live target frequency by delta Hz and returns the new
	// target.
	Retune(delta float64) (float64, error)
}

// StateMsg reports a session state transition.
type StateMsg struct{ From, To engine.State }

// LatencyMsg carries one latency sample.
type LatencyMsg engine.LatencySample

// ErrorMsg reports a non-fatal processing error or a fatal stream error.
type ErrorMsg struct{ Err error }

// actionDoneMsg is the result of a Toggle or Reset command.
type actionDoneMsg struct{ err error }

// retunedMsg is the result of a Retune command.
type retunedMsg struct {
	hz  float64
	err error
}

// Model is the bubbletea model for the status view.
type Model struct {
	ctrl Control

	state    engine.State
	latency  engine.LatencySample
	targetHz float64
	errors   int
	lastErr  string
	busy     bool

	width int
}

// NewModel creates a view showing targetHz until the first retune.
func NewModel(ctrl Control, targetHz float64) Model {
	return Model{ctrl: ctrl, targetHz: targetHz}
}

// Init implements [tea.Model].
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements [tea.Model].
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case StateMsg:
		m.state = msg.To
		if msg.To == engine.StateRunning {
			m.lastErr = ""
		}
	case LatencyMsg:
		m.latency = engine.LatencySample(msg)
	case ErrorMsg:
		m.errors++
		m.lastErr = msg.Err.Error()
	case actionDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
	case retunedMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			break
		}
		m.targetHz = msg.hz
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		if m.busy {
			return m, nil
		}
		m.busy = true
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			return actionDoneMsg{err: ctrl.Toggle(ctx)}
		}
	case "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Reset()
			return actionDoneMsg{}
		}
	case "+", "=":
		return m, m.retune(retuneStep)
	case "-", "_":
		return m, m.retune(-retuneStep)
	}
	return m, nil
}

func (m Model) retune(delta float64) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		hz, err := ctrl.Retune(delta)
		return retunedMsg{hz: hz, err: err}
	}
}

// View implements [tea.Model].
func (m Model) View() string {
	var b strings.Builder
	b.WriteString("┌─ retune ──────────────────────────────────────────┐\n")
	state := m.state.String()
	if m.busy {
		state += " …"
	}
	fmt.Fprintf(&b, "│ State:    %-40s│\n", state)
	fmt.Fprintf(&b, "│ Target:   %-40s│\n", fmt.Sprintf("%s Hz (%+.3f st)",
		pitch.FormatHz(m.targetHz), pitch.Semitones(pitch.RatioFor(m.targetHz))))
	b.WriteString("├───────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&b, "│ Latency:  %-40s│\n", fmt.Sprintf("%s now, %s avg",
		ms(m.latency.Instant), ms(m.latency.Smoothed)))
	fmt.Fprintf(&b, "│ Budget:   %-40s│\n", fmt.Sprintf("%s (%s)",
		ms(m.latency.Budget), loadBar(m.latency.Load(), 20)))
	fmt.Fprintf(&b, "│ Blocks:   %-40d│\n", m.latency.Blocks)
	fmt.Fprintf(&b, "│ Errors:   %-40d│\n", m.errors)
	if m.lastErr != "" {
		fmt.Fprintf(&b, "│ Last:     %-40s│\n", truncate(m.lastErr, 40))
	}
	b.WriteString("├───────────────────────────────────────────────────┤\n")
	b.WriteString("│ s:Start/Stop  r:Reset  +/-:Retune  q:Quit         │\n")
	b.WriteString("└───────────────────────────────────────────────────┘\n")
	return b.String()
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

// loadBar renders load (fraction of the block budget) as a fixed-width bar.
// Loads above 1 fill the bar and are marked.
func loadBar(load float64, width int) string {
	filled := int(load*float64(width) + 0.5)
	over := filled > width
	filled = min(max(filled, 0), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	if over {
		return bar + "!"
	}
	return bar
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
