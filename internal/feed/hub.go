// Package feed pushes live cell snapshots to websocket subscribers. Each
// subscriber watches exactly one session.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cellmonitor/internal/core"
	"cellmonitor/pkg/domain"
)

// Message is the JSON document sent to subscribers after every change.
type Message struct {
	Session      string                   `json:"session"`
	Operation    string                   `json:"operation"`
	Occupancy    string                   `json:"occupancy"`
	Summary      core.Summary             `json:"summary"`
	Temperatures []core.TemperatureBucket `json:"temperatures"`
	Cells        core.Snapshot            `json:"cells"`
	At           time.Time                `json:"at"`
}

// NewMessage builds the message describing snap.
func NewMessage(session, operation string, snap core.Snapshot, at time.Time) Message {
	summary := core.Summarize(snap, domain.MaxCells)
	if snap == nil {
		snap = core.Snapshot{}
	}
	return Message{
		Session:      session,
		Operation:    operation,
		Occupancy:    summary.Occupancy(),
		Summary:      summary,
		Temperatures: core.TemperatureHistogram(snap, domain.MinTemperature, domain.MaxTemperature, 5),
		Cells:        snap,
		At:           at.UTC(),
	}
}

type envelope struct {
	session string
	payload []byte
}

// Hub maintains the set of active clients and fans messages out to the
// clients of the matching session.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
	logger     core.Logger
	clock      core.Clock
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger installs a logger.
func WithLogger(logger core.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock overrides the timestamp source of published messages.
func WithClock(clock core.Clock) Option {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHub initializes a hub. Run must be started before clients connect.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     nopLogger{},
		clock:      core.ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run handles registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("feed hub shutting down")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("feed client connected", "session", client.session)
			h.sendInitial(client)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("feed client disconnected", "session", client.session)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.session != msg.session {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("feed client too slow, dropped", "session", client.session)
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendInitial queues the client's first message. It runs on the hub
// goroutine after registration, so every change committed after the
// snapshot is broadcast behind it.
func (h *Hub) sendInitial(client *Client) {
	if client.initial == nil {
		return
	}
	payload, err := json.Marshal(client.initial())
	if err != nil {
		h.logger.Error("encode feed message", "error", err)
		return
	}
	client.send <- payload
}

// Clients returns the number of connected clients watching session. An empty
// session counts every client.
func (h *Hub) Clients(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for client := range h.clients {
		if session == "" || client.session == session {
			n++
		}
	}
	return n
}

// Publish queues msg for the clients of msg.Session. It never blocks: a full
// queue drops the message.
func (h *Hub) Publish(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode feed message", "error", err)
		return
	}
	select {
	case h.broadcast <- envelope{session: msg.Session, payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("feed queue full, message dropped", "session", msg.Session, "operation", msg.Operation)
	}
}

// Listener returns a change listener publishing every committed change of
// session.
func (h *Hub) Listener(session string) core.ChangeListener {
	return core.ChangeListenerFunc(func(_ context.Context, operation string, snap core.Snapshot) {
		h.Publish(NewMessage(session, operation, snap, h.clock.Now()))
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
