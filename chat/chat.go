// Package chat delivers private and group messages, read receipts, typing
// markers and game invites.
//
// A message, the chat summary and the recipients' notifications are always
// committed by a single merge so no reader ever sees one without the others.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"arcade/apperr"
	"arcade/moderation"
	"arcade/notify"
	"arcade/profile"
	"arcade/ratelimit"
	"arcade/store"
)

const (
	TypePrivate = "private"
	TypeGroup   = "group"

	// DefaultTypingQuiet is how long a typing marker outlives the last
	// keystroke.
	DefaultTypingQuiet = 3 * time.Second

	defaultMessageLimit = 50
)

var (
	ErrEmptyMessage    = apperr.New(apperr.ErrValidation, "message cannot be empty")
	ErrBannedContent   = apperr.New(apperr.ErrValidation, "message contains banned words")
	ErrBlocked         = apperr.New(apperr.ErrPermission, "cannot message this user")
	ErrNotSender       = apperr.New(apperr.ErrPermission, "only the sender can delete a message")
	ErrNotParticipant  = apperr.New(apperr.ErrPermission, "not a participant of this chat")
	ErrMessageNotFound = apperr.New(apperr.ErrNotFound, "message not found")
	ErrSelfMessage     = apperr.New(apperr.ErrValidation, "cannot message yourself")
)

// Message is stored at chats/{chatId}/messages/{id} or
// groups/{groupId}/messages/{id}.
type Message struct {
	ID         string `json:"-"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Read       bool   `json:"read"`
	Type       string `json:"type,omitempty"`
	GameType   string `json:"gameType,omitempty"`
	Status     string `json:"status,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
}

func (m *Message) Validate() error {
	if m.SenderID == "" {
		return errors.New("senderId is required")
	}
	if m.Text == "" && m.Type == "" {
		return errors.New("message has no content")
	}
	return nil
}

type Summary struct {
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
}

type Participant struct {
	Username string `json:"username"`
	JoinedAt int64  `json:"joinedAt"`
}

// Chat is one conversation as listed for a user.
type Chat struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Participants map[string]Participant `json:"participants"`
	LastMessage  *Summary               `json:"lastMessage,omitempty"`
	Messages     map[string]Message     `json:"messages,omitempty"`
	Unread       int                    `json:"unread"`
}

func (c *Chat) Validate() error {
	if len(c.Participants) == 0 {
		return errors.New("chat has no participants")
	}
	return nil
}

// ID returns the private chat id of a and b. Both parties derive the same
// id, so neither needs to create the container first.
func ID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func Path(chatID string, rest ...string) string {
	return store.Join(append([]string{"chats", chatID}, rest...)...)
}

// BlockChecker reports whether owner has blocked target.
type BlockChecker interface {
	IsBlocked(ctx context.Context, owner, target string) (bool, error)
}

type Service struct {
	store       store.Store
	users       *profile.Directory
	limiter     ratelimit.Limiter
	filter      moderation.Filter
	blocks      BlockChecker
	rooms       RoomStarter
	typingQuiet time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Service)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithFilter(f moderation.Filter) Option {
	return func(s *Service) { s.filter = f }
}

func WithBlockChecker(b BlockChecker) Option {
	return func(s *Service) { s.blocks = b }
}

func WithRooms(r RoomStarter) Option {
	return func(s *Service) { s.rooms = r }
}

func WithTypingQuiet(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.typingQuiet = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(st store.Store, users *profile.Directory, opts ...Option) *Service {
	s := &Service{
		store:       st,
		users:       users,
		filter:      moderation.NewWordList(moderation.DefaultBanned, moderation.DefaultMasked),
		typingQuiet: DefaultTypingQuiet,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s
}

// prepare runs the outgoing text pipeline after admission: sanitizing, the
// hard ban check, then redaction.
func (s *Service) prepare(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	clean := moderation.Sanitize(text)
	if clean == "" {
		return "", ErrEmptyMessage
	}
	if s.filter.Classify(clean) == moderation.Banned {
		return "", ErrBannedContent
	}
	return s.filter.Redact(clean), nil
}

func (s *Service) checkBlocked(ctx context.Context, recipient, sender string) error {
	if s.blocks == nil {
		return nil
	}
	blocked, err := s.blocks.IsBlocked(ctx, recipient, sender)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

// stagePrivate adds the participant entries and chat type of a private chat
// to updates and returns the chat id.
func (s *Service) stagePrivate(ctx context.Context, updates map[string]any, sender, recipient string, now int64) (string, string, error) {
	senderName, err := s.users.Username(ctx, sender)
	if err != nil {
		return "", "", err
	}
	recipientName, err := s.users.Username(ctx, recipient)
	if err != nil {
		return "", "", err
	}

	chatID := ID(sender, recipient)
	updates[Path(chatID, "participants", sender)] = Participant{Username: senderName, JoinedAt: now}
	updates[Path(chatID, "participants", recipient)] = Participant{Username: recipientName, JoinedAt: now}
	updates[Path(chatID, "type")] = TypePrivate
	return chatID, senderName, nil
}

// SendPrivate delivers text from sender to recipient and returns the chat
// and message ids. Every send is admitted by the message limiter before any
// other check.
func (s *Service) SendPrivate(ctx context.Context, sender, recipient, text string) (string, string, error) {
	if err := ratelimit.Admit(ctx, s.limiter, sender); err != nil {
		return "", "", err
	}
	if sender == recipient {
		return "", "", ErrSelfMessage
	}
	clean, err := s.prepare(text)
	if err != nil {
		return "", "", err
	}
	if err := s.checkBlocked(ctx, recipient, sender); err != nil {
		return "", "", err
	}

	now := s.now().UnixMilli()
	updates := make(map[string]any)
	chatID, senderName, err := s.stagePrivate(ctx, updates, sender, recipient, now)
	if err != nil {
		return "", "", err
	}

	msgID := s.store.PushKey()
	updates[Path(chatID, "messages", msgID)] = Message{
		SenderID:   sender,
		SenderName: senderName,
		Text:       clean,
		Timestamp:  now,
	}
	updates[Path(chatID, "lastMessage")] = Summary{Text: clean, SenderID: sender, SenderName: senderName, Timestamp: now}
	updates[Path(chatID, "typing", sender)] = nil
	notify.Stage(s.store, updates, recipient, notify.Notification{
		Type:         notify.TypeNewMessage,
		From:         sender,
		FromUsername: senderName,
		ChatID:       chatID,
		MessageID:    msgID,
		Message:      notify.Preview(clean),
		Timestamp:    now,
	})

	if err := s.store.Merge(ctx, updates); err != nil {
		return "", "", fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debug("message sent", "chat", chatID, "message", msgID, "sender", sender)
	return chatID, msgID, nil
}

// MarkRead flags every unread message not written by reader in one
// transaction over the chat's messages and returns how many were flagged.
// Messages deleted concurrently are not recreated.
func (s *Service) MarkRead(ctx context.Context, chatID, reader string) (int, error) {
	var flagged int
	res, err := s.store.Transact(ctx, Path(chatID, "messages"), func(cur store.Snapshot) (any, bool) {
		flagged = 0
		messages, ok := cur.Value.(map[string]any)
		if !ok {
			return nil, false
		}
		next := maps.Clone(messages)
		for _, child := range cur.Children() {
			var m Message
			if err := child.Decode(&m); err != nil || m.SenderID == reader || m.Read {
				continue
			}
			node, ok := child.Value.(map[string]any)
			if !ok {
				continue
			}
			node = maps.Clone(node)
			node["read"] = true
			next[child.Key] = node
			flagged++
		}
		return next, flagged > 0
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	if !res.Committed {
		return 0, nil
	}
	return flagged, nil
}

// DeleteMessage removes a message. Only its sender may delete it; the check
// and the removal happen in one transaction.
func (s *Service) DeleteMessage(ctx context.Context, chatID, msgID, actor string) error {
	res, err := s.store.Transact(ctx, Path(chatID, "messages", msgID), func(cur store.Snapshot) (any, bool) {
		var m Message
		if err := cur.Decode(&m); err != nil || m.SenderID != actor {
			return nil, false
		}
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if res.Committed {
		s.logger.Info("message deleted", "chat", chatID, "message", msgID, "user", actor)
		return nil
	}
	if !res.Snapshot.Exists() {
		return ErrMessageNotFound
	}
	return ErrNotSender
}

// Messages returns the last limit messages of a chat ordered by timestamp.
func (s *Service) Messages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	snap, err := s.store.Read(ctx, Path(chatID, "messages"))
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	msgs := decodeMessages(snap, s.logger)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func decodeMessages(snap store.Snapshot, logger *slog.Logger) []Message {
	msgs := make([]Message, 0, snap.NumChildren())
	for _, child := range snap.Children() {
		m, err := DecodeMessage(child)
		if err != nil {
			logger.Warn("skipping malformed message", "path", child.Path, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	return msgs
}

// DecodeMessage converts a message snapshot, as delivered by a ChildAdded
// subscription.
func DecodeMessage(snap store.Snapshot) (Message, error) {
	var m Message
	if err := snap.Decode(&m); err != nil {
		return Message{}, err
	}
	m.ID = snap.Key
	return m, nil
}

// Chats lists the chats uid takes part in, most recent first, with unread
// counts and without message bodies.
func (s *Service) Chats(ctx context.Context, uid string) ([]Chat, error) {
	snap, err := s.store.Read(ctx, "chats")
	if err != nil {
		return nil, fmt.Errorf("failed to read chats: %w", err)
	}

	var chats []Chat
	for _, child := range snap.Children() {
		var c Chat
		if err := child.Decode(&c); err != nil {
			continue
		}
		if _, ok := c.Participants[uid]; !ok {
			continue
		}
		c.ID = child.Key
		c.Unread = unread(c.Messages, uid)
		c.Messages = nil
		chats = append(chats, c)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		return lastTimestamp(chats[i]) > lastTimestamp(chats[j])
	})
	return chats, nil
}

func lastTimestamp(c Chat) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}

func unread(msgs map[string]Message, uid string) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != uid && !m.Read {
			n++
		}
	}
	return n
}

// UnreadCount derives uid's unread total from a snapshot of the chats
// subtree.
func UnreadCount(chats store.Snapshot, uid string) int {
	total := 0
	for _, child := range chats.Children() {
		var c Chat
		if err := child.Decode(&c); err != nil {
			continue
		}
		if _, ok := c.Participants[uid]; ok {
			total += unread(c.Messages, uid)
		}
	}
	return total
}
