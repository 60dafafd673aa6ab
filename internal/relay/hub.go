// Package relay keeps the authoritative per-user state of the presence relay
// service. Clients announce themselves with hello and get a full snapshot;
// their updates are queued and broadcast to every connection as one frame
// per flush interval. Updates are also fanned out over NATS so relay
// instances behind a load balancer share one view.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/protocol"
	"github.com/playa/presence/internal/ws"
)

// Transport writes frames to relay connections. *ws.Server implements it.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte) int
}

// Publisher fans updates out to other relay instances.
// *messaging.NATSClient implements it.
type Publisher interface {
	PublishRelayUpdate(data []byte) error
}

// Sessions records uid bindings. *session.Store implements it.
type Sessions interface {
	Bind(ctx context.Context, sessionID, uid string) error
	Touch(ctx context.Context, sessionID, uid string) error
}

// Config holds hub settings.
type Config struct {
	FlushInterval time.Duration // how often pending updates are broadcast
	InstanceID    string        // identifies this relay on the fan-out subject
}

// DefaultConfig flushes ten times a second under a random instance id.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 100 * time.Millisecond,
		InstanceID:    uuid.New().String(),
	}
}

// remoteUpdate is the fan-out payload on the relay updates subject.
type remoteUpdate struct {
	Origin string             `json:"origin"`
	UID    string             `json:"uid"`
	Update protocol.UserState `json:"update"`
}

// Hub is the relay's state. It is safe for concurrent use.
type Hub struct {
	config    Config
	transport Transport
	pub       Publisher // optional
	sessions  Sessions  // optional

	mu      sync.Mutex
	states  map[string]protocol.UserState
	pending map[string]protocol.UserState
}

// NewHub creates a hub writing to transport. pub and sessions may be nil.
func NewHub(config Config, transport Transport, pub Publisher, sessions Sessions) *Hub {
	return &Hub{
		config:    config,
		transport: transport,
		pub:       pub,
		sessions:  sessions,
		states:    make(map[string]protocol.UserState),
		pending:   make(map[string]protocol.UserState),
	}
}

// Register installs the hello and update handlers on d.
func (h *Hub) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeHello, h.HandleHello)
	d.Register(protocol.TypeUpdate, h.HandleUpdate)
}

// HandleHello binds the connection to the announced uid and answers with a
// snapshot of every known state.
func (h *Hub) HandleHello(conn *ws.Connection, msg interface{}) {
	hello, ok := msg.(protocol.HelloMsg)
	if !ok {
		return
	}
	conn.Bind(hello.UID)

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := h.sessions.Bind(ctx, conn.ID, hello.UID); err != nil {
			log.Printf("[relay] session bind conn=%s uid=%s failed: %v", conn.ID, hello.UID, err)
		}
		cancel()
	}

	frame, err := protocol.NewBroadcast(h.Snapshot())
	if err != nil {
		log.Printf("[relay] encode snapshot failed: %v", err)
		return
	}
	if err := h.transport.SendMessage(conn.ID, frame); err != nil {
		log.Printf("[relay] snapshot to conn=%s failed: %v", conn.ID, err)
		return
	}
	metrics.RelayServerBroadcasts.Inc()
	log.Printf("[relay] hello uid=%s conn=%s", hello.UID, conn.ID)
}

// HandleUpdate stores the sender's state and queues it for the next flush.
// A connection may only update the uid it said hello as.
func (h *Hub) HandleUpdate(conn *ws.Connection, msg interface{}) {
	upd, ok := msg.(protocol.UpdateMsg)
	if !ok {
		return
	}
	if bound := conn.UID(); bound == "" || bound != upd.UID {
		log.Printf("[relay] dropping update uid=%s from conn=%s bound=%q", upd.UID, conn.ID, bound)
		return
	}

	h.apply(upd.UID, upd.Update)
	h.publish(upd.UID, upd.Update)

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = h.sessions.Touch(ctx, conn.ID, upd.UID)
		cancel()
	}
}

// HandleRemote applies an update fanned out by another relay instance.
// Updates this instance published itself are ignored.
func (h *Hub) HandleRemote(data []byte) {
	var ru remoteUpdate
	if err := json.Unmarshal(data, &ru); err != nil {
		log.Printf("[relay] malformed fan-out update: %v", err)
		return
	}
	if ru.Origin == h.config.InstanceID || ru.UID == "" {
		return
	}
	h.apply(ru.UID, ru.Update)
}

func (h *Hub) apply(uid string, st protocol.UserState) {
	st = st.Clone()
	h.mu.Lock()
	h.states[uid] = st
	h.pending[uid] = st
	h.mu.Unlock()
}

func (h *Hub) publish(uid string, st protocol.UserState) {
	if h.pub == nil {
		return
	}
	data, err := json.Marshal(remoteUpdate{Origin: h.config.InstanceID, UID: uid, Update: st})
	if err != nil {
		log.Printf("[relay] encode fan-out update failed: %v", err)
		return
	}
	if err := h.pub.PublishRelayUpdate(data); err != nil {
		log.Printf("[relay] fan-out publish uid=%s failed: %v", uid, err)
	}
}

// Snapshot returns a copy of every known state.
func (h *Hub) Snapshot() map[string]protocol.UserState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]protocol.UserState, len(h.states))
	for uid, st := range h.states {
		out[uid] = st.Clone()
	}
	return out
}

// Flush broadcasts the queued updates as one frame. It returns the number
// of connections written to.
func (h *Hub) Flush() int {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return 0
	}
	pending := h.pending
	h.pending = make(map[string]protocol.UserState)
	h.mu.Unlock()

	start := time.Now()
	frame, err := protocol.NewBroadcast(pending)
	if err != nil {
		log.Printf("[relay] encode broadcast failed: %v", err)
		return 0
	}
	n := h.transport.Broadcast(frame)
	metrics.RelayServerBroadcasts.Inc()
	metrics.RelayFlushLatency.Observe(time.Since(start).Seconds())
	return n
}

// Run flushes every FlushInterval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}
