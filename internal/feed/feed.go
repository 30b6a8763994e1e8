// Package feed pushes engine notifications to websocket clients.
//
// [Hub] implements [engine.Observer]. Every notification is encoded once as
// a JSON [Event] and offered to each connected client without blocking; a
// client whose queue is full is disconnected. A client that connects receives
// the latest state and latency sample first.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/retune/internal/engine"
)

// Event types.
const (
	TypeState   = "state"
	TypeLatency = "latency"
	TypeError   = "error"
)

// Event is the JSON message sent to clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	// State events.
	From  string `json:"from,omitempty"`
	State string `json:"state,omitempty"`

	// Latency events, in microseconds.
	InstantUS  int64  `json:"instant_us,omitempty"`
	SmoothedUS int64  `json:"smoothed_us,omitempty"`
	BudgetUS   int64  `json:"budget_us,omitempty"`
	Blocks     uint64 `json:"blocks,omitempty"`

	// Error events.
	Error string `json:"error,omitempty"`
	Block uint64 `json:"block,omitempty"`
}

const writeTimeout = 5 * time.Second

// snapshotSlots is the number of cached events queued for a new client
// before it is registered. Client queues never hold fewer.
const snapshotSlots = 2

type client struct {
	send chan []byte
	done chan struct{}
}

// Hub fans events out to websocket clients. It is safe for concurrent use.
type Hub struct {
	queue int
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	clients     map[*client]struct{}
	lastState   []byte
	lastLatency []byte
}

// Option configures a [Hub].
type Option func(*Hub)

// WithQueue sets the per-client queue length. Default: 32. Values below 2
// are raised to 2 so the connect snapshot always fits.
func WithQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.log = l } }

// NewHub creates a hub with no clients.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queue:   32,
		log:     slog.Default(),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ─── engine.Observer ──────────────────────────────────────────────────────────

// OnStateChanged implements [engine.Observer].
func (h *Hub) OnStateChanged(from, to engine.State) {
	h.publish(Event{Type: TypeState, From: from.String(), State: to.String()})
}

// OnLatencyUpdated implements [engine.Observer].
func (h *Hub) OnLatencyUpdated(s engine.LatencySample) {
	h.publish(Event{
		Type:       TypeLatency,
		InstantUS:  s.Instant.Microseconds(),
		SmoothedUS: s.Smoothed.Microseconds(),
		BudgetUS:   s.Budget.Microseconds(),
		Blocks:     s.Blocks,
	})
}

// OnError implements [engine.Observer].
func (h *Hub) OnError(err error) {
	ev := Event{Type: TypeError, Error: err.Error()}
	var pe *engine.ProcessingError
	if errors.As(err, &pe) {
		ev.Block = pe.Block
	}
	h.publish(ev)
}

func (h *Hub) publish(ev Event) {
	ev.Time = h.now()
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("feed: encode event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.Type {
	case TypeState:
		h.lastState = msg
	case TypeLatency:
		h.lastLatency = msg
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("feed: client too slow, disconnecting")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

// ServeHTTP upgrades the request and streams events until the client goes
// away or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// once the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	c := &client{send: make(chan []byte, max(h.queue, snapshotSlots)), done: make(chan struct{})}
	h.mu.Lock()
	for _, snap := range [][]byte{h.lastState, h.lastLatency} {
		if snap != nil {
			c.send <- snap
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case msg := <-c.send:
			if err := write(ctx, conn, msg); err != nil {
				h.log.Debug("feed: write failed", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

var _ engine.Observer = (*Hub)(nil)
