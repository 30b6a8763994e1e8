package ui

import (
	"context"
	"errors"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/retune/internal/engine"
)

// Bridge adapts [engine.Observer] notifications into bubbletea messages.
// Session callbacks never block on the terminal: messages are queued and
// forwarded by [Bridge.Forward], and dropped when the queue is full.
type Bridge struct {
	msgs    chan tea.Msg
	dropped atomic.Uint64
}

// NewBridge creates a bridge with a queue of n messages.
func NewBridge(n int) *Bridge {
	if n <= 0 {
		n = 64
	}
	return &Bridge{msgs: make(chan tea.Msg, n)}
}

// OnStateChanged implements [engine.Observer].
func (b *Bridge) OnStateChanged(from, to engine.State) { b.offer(StateMsg{From: from, To: to}) }

// OnLatencyUpdated implements [engine.Observer].
func (b *Bridge) OnLatencyUpdated(s engine.LatencySample) { b.offer(LatencyMsg(s)) }

// OnError implements [engine.Observer].
func (b *Bridge) OnError(err error) { b.offer(ErrorMsg{Err: err}) }

func (b *Bridge) offer(msg tea.Msg) {
	select {
	case b.msgs <- msg:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many messages were lost to a full queue.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Forward delivers queued messages to send until ctx is cancelled.
func (b *Bridge) Forward(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.msgs:
			send(msg)
		}
	}
}

// Run shows m on the terminal until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model, b *Bridge) error {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.Forward(fwdCtx, p.Send)

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

var _ engine.Observer = (*Bridge)(nil)
