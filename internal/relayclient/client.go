// Package relayclient owns the local user's single connection to the
// presence relay. It announces the user with a hello frame, relays state
// updates, merges incoming broadcasts into a presence.Store and re-dials
// after a fixed delay whenever the connection is lost.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/presence"
	"github.com/playa/presence/internal/protocol"
)

// DefaultURL is used when no relay endpoint is configured.
const DefaultURL = "ws://localhost:8080/ws"

// ReconnectDelay is the fixed pause between a lost connection and the next
// dial. It does not grow.
const ReconnectDelay = 1 * time.Second

// ErrNotConnected is returned by SendUpdatedState while no connection is
// open. The update is dropped.
var ErrNotConnected = errors.New("relayclient: not connected")

// Config holds relay client settings.
type Config struct {
	URL         string        // relay endpoint; DefaultURL when empty
	DialTimeout time.Duration // per-attempt dial timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:         DefaultURL,
		DialTimeout: 10 * time.Second,
	}
}

// Client is the presence relay client for one local user.
type Client struct {
	config         Config
	store          *presence.Store
	reconnectDelay time.Duration

	mu          sync.Mutex
	conn        net.Conn // non-nil once the hello frame went out
	active      bool
	unmounting  bool
	cancel      context.CancelFunc
	done        chan struct{}
	onBroadcast func(changed bool)

	writeMu sync.Mutex // serializes frames written to conn
}

// New creates a client that merges broadcasts into store. The local uid is
// store.SelfUID().
func New(config Config, store *presence.Store) *Client {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}
	return &Client{
		config:         config,
		store:          store,
		reconnectDelay: ReconnectDelay,
	}
}

// OnBroadcast registers a callback invoked from the read goroutine after
// each broadcast has been merged. changed reports whether any remote entry
// was updated.
func (c *Client) OnBroadcast(fn func(changed bool)) {
	c.mu.Lock()
	c.onBroadcast = fn
	c.mu.Unlock()
}

// UID returns the local user's id.
func (c *Client) UID() string {
	return c.store.SelfUID()
}

// Activate starts the connection loop. It is idempotent: the connection is
// set up at most once per activated session and later calls are ignored. It
// returns false when the client was already active or has been deactivated.
func (c *Client) Activate(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active || c.unmounting {
		return false
	}
	c.active = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx, c.done)
	log.Printf("[relayclient] activated uid=%s url=%s", c.UID(), c.config.URL)
	return true
}

// Deactivate tears the session down: it suppresses any further reconnect,
// closes the open connection and waits for the loop to exit.
func (c *Client) Deactivate() {
	c.mu.Lock()
	if c.unmounting {
		c.mu.Unlock()
		return
	}
	c.unmounting = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	log.Printf("[relayclient] deactivated uid=%s", c.UID())
}

// Connected reports whether a connection is open and announced.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendUpdatedState relays the local user's new state. Without an open
// connection it logs a warning and returns ErrNotConnected; nothing is queued.
func (c *Client) SendUpdatedState(state protocol.UserState) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	uid := c.UID()
	if conn == nil {
		log.Printf("[relayclient] warning: no ability to relay location uid=%s", uid)
		return ErrNotConnected
	}

	data, err := protocol.NewUpdate(uid, state)
	if err != nil {
		return fmt.Errorf("relayclient: %w", err)
	}
	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("relayclient: send update: %w", err)
	}
	metrics.RelayFrames.WithLabelValues("sent").Inc()
	return nil
}

// run dials, serves one connection until it drops, then waits the fixed
// reconnect delay and starts over, until ctx is cancelled.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		c.connectOnce(ctx)

		if c.stopped(ctx) {
			return
		}

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.stopped(ctx) {
			return
		}
		log.Printf("[relayclient] reconnecting uid=%s", c.UID())
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmounting
}

// connectOnce opens one connection, sends hello and reads until it fails.
func (c *Client) connectOnce(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, c.config.URL)
	cancel()
	if err != nil {
		metrics.RelayConnects.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			log.Printf("[relayclient] dial %s failed: %v", c.config.URL, err)
		}
		return
	}
	metrics.RelayConnects.WithLabelValues("ok").Inc()

	hello, err := protocol.NewHello(c.UID())
	if err == nil {
		err = c.write(conn, hello)
	}
	if err != nil {
		log.Printf("[relayclient] hello failed uid=%s: %v", c.UID(), err)
		conn.Close()
		return
	}

	c.mu.Lock()
	if c.unmounting {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	log.Printf("[relayclient] connected uid=%s", c.UID())

	err = c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if ctx.Err() == nil {
		log.Printf("[relayclient] connection closed uid=%s: %v", c.UID(), err)
	}
}

// readLoop reads frames until the connection fails. Control frames are
// answered under the write lock so they never interleave with updates.
func (c *Client) readLoop(conn net.Conn) error {
	control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	onControl := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return control(h, r)
	}

	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: onControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := onControl(hdr, &rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// handleFrame merges one broadcast. Malformed payloads are logged and
// skipped; the connection stays open.
func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		metrics.RelayFrames.WithLabelValues("malformed").Inc()
		log.Printf("[relayclient] error %v receiving data from relay: %q; continuing", err, truncate(data, 200))
		return
	}
	metrics.RelayFrames.WithLabelValues("broadcast").Inc()

	changed := c.store.Apply(msg.Updates)

	c.mu.Lock()
	fn := c.onBroadcast
	c.mu.Unlock()
	if fn != nil {
		fn(changed)
	}
}

func (c *Client) write(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
