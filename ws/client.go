package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"arcade/chat"

	"github.com/gorilla/websocket"
)

// topic is one live bridge from the store to a client.
type topic struct {
	cancel context.CancelFunc
	view   *chat.View
	done   chan struct{}
}

func (t *topic) stop() {
	t.cancel()
	if t.view != nil {
		t.view.Close()
	}
	<-t.done
}

type Client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

func newClient(conn *websocket.Conn, userID string, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger.With("user", userID),
		topics: make(map[string]*topic),
	}
}

// push queues msg for the write pump. A client whose buffer is full misses
// the message.
func (c *Client) push(msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full", "type", msg.Type)
	}
}

func (c *Client) pushError(topic string, err error) {
	c.push(OutgoingMessage{
		Type:    TypeError,
		Topic:   topic,
		Payload: map[string]string{"message": err.Error()},
	})
}

// attach registers t under name, replacing nothing: a second subscribe to
// the same topic is a no-op reported as false.
func (c *Client) attach(name string, t *topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.topics[name]; ok {
		return false
	}
	c.topics[name] = t
	return true
}

func (c *Client) detach(name string) *topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.topics[name]
	delete(c.topics, name)
	return t
}

func (c *Client) view(name string) *chat.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[name]; ok {
		return t.view
	}
	return nil
}

func (c *Client) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[name]
	return ok
}

// close stops every topic and the write pump.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	topics := c.topics
	c.topics = nil
	close(c.done)
	c.mu.Unlock()

	for _, t := range topics {
		t.stop()
	}
}
