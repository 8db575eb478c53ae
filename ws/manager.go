// Package ws pushes live store state to browsers. Each socket subscribes to
// topics; every topic is a store subscription bridged onto the socket until
// the client unsubscribes or disconnects.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"arcade/apperr"
	"arcade/chat"
	"arcade/game"
	"arcade/notify"
	"arcade/profile"
	"arcade/social"
	"arcade/store"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// signOffTimeout bounds the disconnect writes run after the socket is
	// gone.
	signOffTimeout = 5 * time.Second
)

var (
	ErrUnknownTopic   = apperr.New(apperr.ErrValidation, "unknown topic")
	ErrUnknownType    = apperr.New(apperr.ErrValidation, "unknown message type")
	ErrNotSubscribed  = apperr.New(apperr.ErrValidation, "not subscribed to topic")
	ErrInvalidPayload = apperr.New(apperr.ErrValidation, "invalid payload")
)

// Deps are the services topics are bridged from.
type Deps struct {
	Store  store.Store
	Engine *game.Engine
	Lobby  *game.Lobby
	Social *social.Graph
	Chat   *chat.Service
	Notify *notify.Service
}

type Manager struct {
	deps     Deps
	upgrader websocket.Upgrader
	clients  map[string]map[*Client]bool
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewManager accepts same-origin sockets plus allowedOrigin ("*" allows
// any).
func NewManager(deps Deps, allowedOrigin string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
		clients: make(map[string]map[*Client]bool),
		logger:  logger.With("component", "ws"),
	}
}

func checkOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return allowed == "*" || (allowed != "" && origin == allowed)
	}
}

// HandleConnection upgrades the request and serves the socket for userID
// until it closes.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}

	client := newClient(conn, userID, m.logger)
	if m.register(client) && m.deps.Social != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signOffTimeout)
		if err := m.deps.Social.SetStatus(ctx, userID, profile.StatusOnline); err != nil {
			client.logger.Warn("failed to set online status", "error", err)
		}
		cancel()
	}

	go m.writePump(client)
	go m.readPump(client)
}

// register reports whether client is the user's first open socket.
func (m *Manager) register(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.clients[c.userID]
	if !ok {
		set = make(map[*Client]bool)
		m.clients[c.userID] = set
	}
	set[c] = true
	return len(set) == 1
}

func (m *Manager) unregister(c *Client) {
	m.mu.Lock()
	set := m.clients[c.userID]
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(m.clients, c.userID)
	}
	m.mu.Unlock()

	c.close()
	if last {
		m.signOff(c.userID)
	}
}

// signOff runs the user's disconnect hooks and marks them offline once
// their last socket is gone.
func (m *Manager) signOff(uid string) {
	ctx, cancel := context.WithTimeout(context.Background(), signOffTimeout)
	defer cancel()

	if err := m.deps.Store.Disconnect(ctx, uid); err != nil {
		m.logger.Warn("failed to run disconnect hooks", "user", uid, "error", err)
	}
	if m.deps.Social != nil {
		if err := m.deps.Social.SetStatus(ctx, uid, profile.StatusOffline); err != nil {
			m.logger.Warn("failed to set offline status", "user", uid, "error", err)
		}
	}
	m.logger.Debug("user disconnected", "user", uid)
}

// Connected reports whether uid has an open socket.
func (m *Manager) Connected(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients[uid]) > 0
}

// Close drops every socket. Read pumps then unregister their clients.
func (m *Manager) Close() {
	m.mu.Lock()
	var conns []*websocket.Conn
	for _, set := range m.clients {
		for c := range set {
			conns = append(conns, c.conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (m *Manager) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.logger.Warn("websocket error", "error", err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.pushError("", ErrInvalidPayload)
			continue
		}

		if err := m.handleMessage(ctx, client, &msg); err != nil {
			client.logger.Debug("message rejected", "type", msg.Type, "topic", msg.Topic, "error", err)
			client.pushError(msg.Topic, err)
		}
	}
}

func (m *Manager) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, c *Client, msg *IncomingMessage) error {
	switch msg.Type {
	case TypeSubscribe:
		return m.subscribe(ctx, c, msg.Topic)

	case TypeUnsubscribe:
		if t := c.detach(msg.Topic); t != nil {
			t.stop()
		}
		c.push(OutgoingMessage{Type: TypeUnsubscribed, Topic: msg.Topic})
		return nil

	case TypeMove:
		roomID, ok := strings.CutPrefix(msg.Topic, topicRoomPrefix)
		if !ok || roomID == "" {
			return ErrUnknownTopic
		}
		var p movePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		_, err := m.deps.Engine.Move(ctx, roomID, c.userID, p.Cell)
		return err

	case TypeKeystroke, TypeStopTyping, TypeSend, TypeRead:
		view := c.view(msg.Topic)
		if view == nil {
			return ErrNotSubscribed
		}
		return m.handleChat(ctx, c, view, msg)
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
}

func (m *Manager) handleChat(ctx context.Context, c *Client, view *chat.View, msg *IncomingMessage) error {
	switch msg.Type {
	case TypeKeystroke:
		return view.Keystroke(ctx)
	case TypeStopTyping:
		view.StopTyping(ctx)
		return nil
	case TypeSend:
		var p sendPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		msgID, err := view.Send(ctx, p.Text)
		if err != nil {
			return err
		}
		c.push(OutgoingMessage{Type: TypeAcknowledged, Topic: msg.Topic, Payload: map[string]string{"messageId": msgID}})
		return nil
	case TypeRead:
		n, err := view.MarkRead(ctx)
		if err != nil {
			return err
		}
		c.push(OutgoingMessage{Type: TypeAcknowledged, Topic: msg.Topic, Payload: map[string]int{"marked": n}})
		return nil
	}
	return nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// subscribe opens the bridge for name. Subscribing twice to one topic is a
// no-op.
func (m *Manager) subscribe(ctx context.Context, c *Client, name string) error {
	if c.subscribed(name) {
		return nil
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &topic{cancel: cancel, done: make(chan struct{})}
	run, err := m.bridge(tctx, c, name, t)
	if err != nil {
		cancel()
		return err
	}
	if !c.attach(name, t) {
		cancel()
		if t.view != nil {
			t.view.Close()
		}
		return nil
	}

	go func() {
		defer close(t.done)
		run()
	}()
	c.push(OutgoingMessage{Type: TypeSubscribed, Topic: name})
	return nil
}

// bridge opens the store side of topic name and returns the loop that
// forwards it to c. The loop ends when ctx is cancelled.
func (m *Manager) bridge(ctx context.Context, c *Client, name string, t *topic) (func(), error) {
	uid := c.userID

	if roomID, ok := strings.CutPrefix(name, topicRoomPrefix); ok && roomID != "" {
		sub, err := m.deps.Engine.Watch(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return func() {
			for ev := range sub.Events() {
				room, err := game.DecodeRoom(ev.Snapshot)
				if err != nil {
					c.pushError(name, err)
					continue
				}
				c.push(OutgoingMessage{Type: TypeRoom, Topic: name, Payload: room.State()})
			}
		}, nil
	}

	if peer, ok := strings.CutPrefix(name, topicChatPrefix); ok && peer != "" {
		view, err := m.deps.Chat.Open(ctx, uid, peer)
		if err != nil {
			return nil, err
		}
		t.view = view
		return func() { m.pumpChat(ctx, c, name, view) }, nil
	}

	switch name {
	case TopicLobby:
		sub, err := m.deps.Lobby.Watch(ctx)
		if err != nil {
			return nil, err
		}
		return func() {
			for range sub.Events() {
				rooms, err := m.deps.Lobby.ListRooms(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						c.logger.Warn("failed to list rooms", "error", err)
					}
					continue
				}
				c.push(OutgoingMessage{Type: TypeLobby, Topic: name, Payload: rooms})
			}
		}, nil

	case TopicNotifications:
		sub, err := m.deps.Notify.Watch(ctx, uid)
		if err != nil {
			return nil, err
		}
		return func() {
			for ev := range sub.Events() {
				var n notify.Notification
				if err := ev.Snapshot.Decode(&n); err != nil {
					continue
				}
				n.ID = ev.Snapshot.Key
				c.push(OutgoingMessage{Type: TypeNotification, Topic: name, Payload: store.Keyed[notify.Notification]{Key: ev.Snapshot.Key, Value: n}})
			}
		}, nil

	case TopicFriends:
		sub, err := m.deps.Social.WatchFriends(ctx, uid)
		if err != nil {
			return nil, err
		}
		return func() {
			for ev := range sub.Events() {
				friends := social.DecodeFriends(ev.Snapshot, c.logger)
				c.push(OutgoingMessage{Type: TypeFriends, Topic: name, Payload: store.WithKeys(friends, func(e social.Edge) string { return e.ID })})
			}
		}, nil

	case TopicRequests:
		sub, err := m.deps.Social.WatchRequests(ctx, uid)
		if err != nil {
			return nil, err
		}
		return func() {
			for range sub.Events() {
				requests, err := m.deps.Social.Requests(ctx, uid)
				if err != nil {
					continue
				}
				c.push(OutgoingMessage{Type: TypeRequests, Topic: name, Payload: store.WithKeys(requests, func(r social.Request) string { return r.ID })})
			}
		}, nil

	case TopicUnread:
		w, err := m.deps.Chat.WatchUnread(ctx, uid)
		if err != nil {
			return nil, err
		}
		return func() {
			for n := range w.Counts() {
				c.push(OutgoingMessage{Type: TypeUnread, Topic: name, Payload: map[string]int{"count": n}})
			}
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
}

func (m *Manager) pumpChat(ctx context.Context, c *Client, name string, view *chat.View) {
	messages, typing := view.Messages(), view.Typing()
	for messages != nil || typing != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			msg, err := chat.DecodeMessage(ev.Snapshot)
			if err != nil {
				continue
			}
			c.push(OutgoingMessage{Type: TypeMessage, Topic: name, Payload: store.Keyed[chat.Message]{Key: msg.ID, Value: msg}})
		case ev, ok := <-typing:
			if !ok {
				typing = nil
				continue
			}
			c.push(OutgoingMessage{Type: TypeTyping, Topic: name, Payload: map[string][]string{
				"users": chat.TypingUsers(ev.Snapshot, c.userID),
			}})
		}
	}
}
