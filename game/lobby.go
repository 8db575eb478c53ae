package game

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"arcade/profile"
	"arcade/store"
)

// Lobby lists the rooms players can still join or watch.
type Lobby struct {
	store  store.Store
	users  *profile.Directory
	logger *slog.Logger
}

func NewLobby(st store.Store, users *profile.Directory, logger *slog.Logger) *Lobby {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lobby{store: st, users: users, logger: logger.With("component", "lobby")}
}

// RoomSummary is one lobby row.
type RoomSummary struct {
	*RoomState
	Usernames map[string]string `json:"usernames"`
}

// ListRooms returns unfinished rooms, newest first. Nodes that do not decode
// as rooms are skipped.
func (l *Lobby) ListRooms(ctx context.Context) ([]*RoomSummary, error) {
	snap, err := l.store.Read(ctx, roomsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	rooms := make([]*RoomSummary, 0, snap.NumChildren())
	for _, child := range snap.Children() {
		room, err := decodeRoom(child)
		if err != nil {
			l.logger.Warn("skipping malformed room", "room", child.Key, "error", err)
			continue
		}
		if room.Status() == StatusFinished {
			continue
		}
		rooms = append(rooms, &RoomSummary{RoomState: room.State(), Usernames: l.usernames(ctx, room)})
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt > rooms[j].CreatedAt
	})
	return rooms, nil
}

func (l *Lobby) GetRoom(ctx context.Context, roomID string) (*RoomSummary, error) {
	snap, err := l.store.Read(ctx, RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room: %w", err)
	}
	room, err := decodeRoom(snap)
	if err != nil {
		return nil, err
	}
	return &RoomSummary{RoomState: room.State(), Usernames: l.usernames(ctx, room)}, nil
}

func (l *Lobby) usernames(ctx context.Context, room *Room) map[string]string {
	names := make(map[string]string, len(room.Players))
	if l.users == nil {
		return names
	}
	for uid := range room.Players {
		name, err := l.users.Username(ctx, uid)
		if err != nil {
			continue
		}
		names[uid] = name
	}
	return names
}

// Watch streams the rooms node after every change.
func (l *Lobby) Watch(ctx context.Context) (*store.Subscription, error) {
	return l.store.Subscribe(ctx, roomsPath, store.ValueChanged)
}
