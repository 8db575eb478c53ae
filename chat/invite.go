package chat

import (
	"context"
	"fmt"

	"arcade/apperr"
	"arcade/game"
	"arcade/notify"
	"arcade/ratelimit"
	"arcade/store"
)

const (
	TypeGameInvite = "game_invite"

	InvitePending  = "pending"
	InviteAccepted = "accepted"
	InviteDeclined = "declined"
)

var (
	ErrNotInvite     = apperr.New(apperr.ErrValidation, "message is not a game invite")
	ErrInviteClosed  = apperr.New(apperr.ErrPermission, "invite was already answered")
	ErrOwnInvite     = apperr.New(apperr.ErrPermission, "cannot answer your own invite")
	ErrUnknownGameID = apperr.New(apperr.ErrValidation, "unknown game type")
)

// RoomStarter opens multiplayer rooms for accepted invites.
type RoomStarter interface {
	CreateRoom(ctx context.Context, userID string) (*game.RoomState, error)
	Join(ctx context.Context, roomID, userID string) (*game.RoomState, error)
}

// SendGameInvite posts an invite message into the private chat of sender
// and recipient and notifies the recipient.
func (s *Service) SendGameInvite(ctx context.Context, sender, recipient, gameType string) (string, string, error) {
	if err := ratelimit.Admit(ctx, s.limiter, sender); err != nil {
		return "", "", err
	}
	if sender == recipient {
		return "", "", ErrSelfMessage
	}
	if gameType != game.GameID {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownGameID, gameType)
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
		Type:       TypeGameInvite,
		GameType:   gameType,
		Status:     InvitePending,
		Timestamp:  now,
	}
	notify.Stage(s.store, updates, recipient, notify.Notification{
		Type:         notify.TypeGameInvite,
		From:         sender,
		FromUsername: senderName,
		ChatID:       chatID,
		MessageID:    msgID,
		GameType:     gameType,
		Timestamp:    now,
	})

	if err := s.store.Merge(ctx, updates); err != nil {
		return "", "", fmt.Errorf("failed to send game invite: %w", err)
	}

	s.logger.Info("game invite sent", "chat", chatID, "from", sender, "to", recipient)
	return chatID, msgID, nil
}

// RespondToGameInvite settles a pending invite. Accepting first opens a
// room with the inviter as X and seats the responder; the status and room
// id then commit together in a transaction that only succeeds while the
// invite is still pending. A failed room start leaves the invite pending.
func (s *Service) RespondToGameInvite(ctx context.Context, chatID, msgID, responder string, accept bool) (*Message, error) {
	if ok, err := s.isParticipant(ctx, chatID, responder); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotParticipant
	}

	path := Path(chatID, "messages", msgID)
	snap, err := s.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read invite: %w", err)
	}
	if !snap.Exists() {
		return nil, ErrMessageNotFound
	}
	invite, err := DecodeMessage(snap)
	if err != nil {
		return nil, err
	}
	if err := inviteError(&invite, responder); err != nil {
		return nil, err
	}

	status := InviteDeclined
	var roomID string
	if accept {
		status = InviteAccepted
		if s.rooms != nil {
			room, err := s.rooms.CreateRoom(ctx, invite.SenderID)
			if err != nil {
				return nil, err
			}
			if _, err := s.rooms.Join(ctx, room.ID, responder); err != nil {
				return nil, err
			}
			roomID = room.ID
		}
	}

	res, err := s.store.Transact(ctx, path, func(cur store.Snapshot) (any, bool) {
		m, err := DecodeMessage(cur)
		if err != nil || inviteError(&m, responder) != nil {
			return nil, false
		}
		m.Status = status
		m.RoomID = roomID
		return m, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to answer invite: %w", err)
	}
	if !res.Committed {
		if roomID != "" {
			s.logger.Warn("room opened for an invite answered elsewhere", "chat", chatID, "message", msgID, "room", roomID)
		}
		if !res.Snapshot.Exists() {
			return nil, ErrMessageNotFound
		}
		m, err := DecodeMessage(res.Snapshot)
		if err != nil {
			return nil, err
		}
		if err := inviteError(&m, responder); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invite unchanged", apperr.ErrConflict)
	}

	m, err := DecodeMessage(res.Snapshot)
	if err != nil {
		return nil, err
	}
	s.logger.Info("game invite answered", "chat", chatID, "message", msgID, "status", status)
	return &m, nil
}

func inviteError(m *Message, responder string) error {
	switch {
	case m.Type != TypeGameInvite:
		return ErrNotInvite
	case m.SenderID == responder:
		return ErrOwnInvite
	case m.Status != InvitePending:
		return ErrInviteClosed
	}
	return nil
}

func (s *Service) isParticipant(ctx context.Context, chatID, uid string) (bool, error) {
	snap, err := s.store.Read(ctx, Path(chatID, "participants", uid))
	if err != nil {
		return false, fmt.Errorf("failed to read participants: %w", err)
	}
	return snap.Exists(), nil
}
