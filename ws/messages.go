package ws

import "encoding/json"

// Client to server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMove        = "move"
	TypeKeystroke   = "keystroke"
	TypeStopTyping  = "stop_typing"
	TypeSend        = "send"
	TypeRead        = "read"
)

// Server to client message types.
const (
	TypeRoom         = "room"
	TypeLobby        = "lobby_update"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeNotification = "notification"
	TypeFriends      = "friends"
	TypeRequests     = "requests"
	TypeUnread       = "unread"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeAcknowledged = "ack"
)

// Topics a client can subscribe to. Room and chat topics carry an id:
// "room:{roomId}" and "chat:{peerId}".
const (
	TopicLobby         = "lobby"
	TopicNotifications = "notifications"
	TopicFriends       = "friends"
	TopicRequests      = "requests"
	TopicUnread        = "unread"
	topicRoomPrefix    = "room:"
	topicChatPrefix    = "chat:"
)

type IncomingMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type movePayload struct {
	Cell int `json:"cell"`
}

type sendPayload struct {
	Text string `json:"text"`
}
