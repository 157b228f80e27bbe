// Package events is the event sink (§6) between the generation core and
// the outer desktop shell: a tiny local websocket broadcaster the
// shell's webview connects to for chat:token/model:status/download:*
// notifications. Delivery is best-effort — a slow or absent shell
// never blocks generation.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const writeTimeout = 2 * time.Second

// Sink is the narrow interface the rest of the core depends on, so
// components (the scheduler, the download supervisor) never import
// the websocket transport directly.
type Sink interface {
	Emit(name string, payload any)
}

// Bus is the local websocket broadcaster. Every connected client
// receives every event; there is no per-channel subscription model
// since the only consumer is the one embedding shell process.
type Bus struct {
	log   zerolog.Logger
	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// envelope is the wire shape delivered to the shell for every event.
type envelope struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:   log.With().Str("component", "events").Logger(),
		conns: make(map[string]*connection),
	}
}

// Handler upgrades an HTTP connection to a websocket and registers it
// as a subscriber until the connection closes. Blocks until then.
func (b *Bus) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-only loopback listener, not exposed to the network
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	b.handleConnection(r.Context(), conn)
}

func (b *Bus) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{id: uuid.NewString(), conn: conn, ctx: ctx, cancel: cancel}

	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c.id)
		b.mu.Unlock()
		c.cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Read loop: the shell never sends anything meaningful back, but
	// reading is what detects the connection closing so we can clean
	// up instead of leaking a goroutine per client.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Emit broadcasts name/payload to every connected shell. Marshal or
// send failures are logged and swallowed: event delivery is
// best-effort and must never propagate into the caller's generation
// path (§7 error propagation policy).
func (b *Bus) Emit(name string, payload any) {
	data, err := json.Marshal(envelope{Name: name, Payload: payload})
	if err != nil {
		b.log.Warn().Err(err).Str("event", name).Msg("failed to marshal event")
		return
	}

	b.mu.RLock()
	targets := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			b.log.Debug().Err(err).Str("event", name).Str("connection", c.id).Msg("event send failed")
		}
	}
}

// ActiveConnections reports how many shells are currently subscribed.
func (b *Bus) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
