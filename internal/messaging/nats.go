// Package messaging provides a NATS client wrapper for pub/sub messaging
// across the video-app services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the matchmaking
// and room-signaling channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the services.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchFound   = "match.found"   // + .<user_id>
	SubjectRoomSignal   = "room.signal"   // + .<room_id>.<user_id>
	SubjectRoomNotify   = "room.notify"   // + .<user_id> (lifecycle events)
	SubjectNotifyEvents = "notify.events" // external notification dispatcher
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
		Name:          "video-app",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
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

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup, keyed by the subject itself.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	return c.subscribeKeyed(subject, subject, handler)
}

func (c *NATSClient) subscribeKeyed(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchRequest publishes a matchmaking request from a front server.
func (c *NATSClient) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// PublishMatchCancel publishes a queue cancellation request.
func (c *NATSClient) PublishMatchCancel(data []byte) error {
	return c.Publish(SubjectMatchCancel, data)
}

// SubscribeMatchRequest subscribes to matchmaking requests from front servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchCancel subscribes to queue cancellation requests.
func (c *NATSClient) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchFound publishes a match result to a specific user.
func (c *NATSClient) PublishMatchFound(userID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+userID, data)
}

// SubscribeMatchFound subscribes to match results for a specific user.
func (c *NATSClient) SubscribeMatchFound(userID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound unsubscribes from match results for a user.
func (c *NATSClient) UnsubscribeMatchFound(userID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + userID)
}

// PublishRoomSignal publishes a signaling event (description or candidate) to
// one participant of a room.
func (c *NATSClient) PublishRoomSignal(roomID, userID string, data []byte) error {
	return c.Publish(SubjectRoomSignal+"."+roomID+"."+userID, data)
}

// SubscribeRoomSignal subscribes a user to their signaling channel for a
// room. The subscription is keyed by user so a user moving to a new room
// replaces their old subscription instead of leaking it.
func (c *NATSClient) SubscribeRoomSignal(roomID, userID string, handler func(data []byte)) error {
	subject := SubjectRoomSignal + "." + roomID + "." + userID
	return c.subscribeKeyed("roomsig:"+userID, subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeRoomSignal removes a user's room signaling subscription.
func (c *NATSClient) UnsubscribeRoomSignal(userID string) error {
	return c.unsubscribe("roomsig:" + userID)
}

// PublishRoomNotify publishes a room lifecycle event (partner_left,
// room_ended) to a specific user.
func (c *NATSClient) PublishRoomNotify(userID string, data []byte) error {
	return c.Publish(SubjectRoomNotify+"."+userID, data)
}

// SubscribeRoomNotify subscribes to room lifecycle events for a user.
func (c *NATSClient) SubscribeRoomNotify(userID string, handler func(data []byte)) error {
	subject := SubjectRoomNotify + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeRoomNotify removes a user's room lifecycle subscription.
func (c *NATSClient) UnsubscribeRoomNotify(userID string) error {
	return c.unsubscribe(SubjectRoomNotify + "." + userID)
}

// PublishNotifyEvent forwards an event (like, match) to the external
// notification dispatcher. Best effort: callers ignore the error.
func (c *NATSClient) PublishNotifyEvent(data []byte) error {
	return c.Publish(SubjectNotifyEvents, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a specific subscription key.
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
