// Package messaging provides a NATS client wrapper for pub/sub messaging
// across Playa services. It carries venue change notifications (roster,
// chat requests, shouts) to agents and fans relay updates out between relay
// instances.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Playa services.
const (
	SubjectVenue        = "venue"         // + .<venue_id>.<kind>
	SubjectRelayUpdates = "relay.updates" // relay instance fan-out
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "playa",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// VenueSubject returns the subject for one kind of venue change.
func VenueSubject(venueID, kind string) string {
	return SubjectVenue + "." + venueID + "." + kind
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription under key for later cleanup. An existing subscription with
// the same key is replaced.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev, ok := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if ok {
		_ = prev.Unsubscribe()
	}
	return nil
}

// PublishVenueChange publishes a change notification for a venue.
func (c *NATSClient) PublishVenueChange(venueID, kind string, data []byte) error {
	return c.Publish(VenueSubject(venueID, kind), data)
}

// SubscribeVenue subscribes to one kind of venue change. The subscription is
// keyed by kind and subscriber so that several consumers in one process can
// watch the same venue.
func (c *NATSClient) SubscribeVenue(venueID, kind, subscriber string, handler func(data []byte)) error {
	return c.Subscribe(venueKey(venueID, kind, subscriber), VenueSubject(venueID, kind), handler)
}

// UnsubscribeVenue removes a subscription created by SubscribeVenue.
func (c *NATSClient) UnsubscribeVenue(venueID, kind, subscriber string) error {
	return c.unsubscribe(venueKey(venueID, kind, subscriber))
}

// PublishRelayUpdate publishes an encoded update frame to other relay instances.
func (c *NATSClient) PublishRelayUpdate(data []byte) error {
	return c.Publish(SubjectRelayUpdates, data)
}

// SubscribeRelayUpdates subscribes to update frames from all relay instances.
func (c *NATSClient) SubscribeRelayUpdates(handler func(data []byte)) error {
	return c.Subscribe(SubjectRelayUpdates, SubjectRelayUpdates, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

func venueKey(venueID, kind, subscriber string) string {
	return "venuesub:" + venueID + ":" + kind + ":" + subscriber
}
