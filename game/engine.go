package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arcade/apperr"
	"arcade/ratelimit"
	"arcade/stats"
	"arcade/store"
)

// GameID is the stats and leaderboard id of tic-tac-toe.
const GameID = "tictactoe"

// WinScore is credited to the winner of a game.
const WinScore = 1500

const roomsPath = "ttt-rooms"

var (
	ErrRoomNotFound   = apperr.New(apperr.ErrNotFound, "room not found")
	ErrRoomFull       = apperr.New(apperr.ErrPermission, "room is full")
	ErrGameOver       = apperr.New(apperr.ErrPermission, "game is already finished")
	ErrNotInRoom      = apperr.New(apperr.ErrPermission, "user not in room")
	ErrNotYourTurn    = apperr.New(apperr.ErrPermission, "not your turn")
	ErrWaitingForPeer = apperr.New(apperr.ErrPermission, "waiting for an opponent")
	ErrCellOccupied   = apperr.New(apperr.ErrPermission, "cell is occupied")
	ErrInvalidCell    = apperr.New(apperr.ErrValidation, "cell must be between 0 and 8")
	ErrMalformedRoom  = apperr.New(apperr.ErrValidation, "room is malformed")
)

func RoomPath(roomID string) string {
	return store.Join(roomsPath, roomID)
}

// Engine runs multiplayer rooms. Every mutation of a room goes through a
// store transaction whose function rejects illegal or late moves by
// aborting, so racing clients can never both fill a cell.
type Engine struct {
	store   store.Store
	limiter ratelimit.Limiter
	stats   *stats.Aggregator
	now     func() time.Time
	logger  *slog.Logger
}

func NewEngine(st store.Store, limiter ratelimit.Limiter, agg *stats.Aggregator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		limiter: limiter,
		stats:   agg,
		now:     time.Now,
		logger:  logger.With("component", "game"),
	}
}

// CreateRoom opens a room with the creator playing X, who also moves first.
func (e *Engine) CreateRoom(ctx context.Context, userID string) (*RoomState, error) {
	if err := ratelimit.Admit(ctx, e.limiter, userID); err != nil {
		return nil, err
	}

	room := Room{
		ID:        e.store.PushKey(),
		Turn:      X,
		Players:   map[string]Symbol{userID: X},
		CreatedAt: e.now().UnixMilli(),
	}
	if err := e.store.Write(ctx, RoomPath(room.ID), room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	e.logger.Info("room created", "room", room.ID, "user", userID)
	return room.State(), nil
}

func (e *Engine) GetRoom(ctx context.Context, roomID string) (*RoomState, error) {
	room, err := e.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.State(), nil
}

// Join seats userID in the room. Joining a room one already sits in returns
// the room unchanged.
func (e *Engine) Join(ctx context.Context, roomID, userID string) (*RoomState, error) {
	res, err := e.store.Transact(ctx, RoomPath(roomID), func(cur store.Snapshot) (any, bool) {
		room, err := decodeRoom(cur)
		if err != nil {
			return nil, false
		}
		next, changed, err := join(room, userID)
		if err != nil || !changed {
			return nil, false
		}
		return next, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	room, err := decodeRoom(res.Snapshot)
	if err != nil {
		return nil, err
	}
	if !res.Committed {
		if _, _, err := join(room, userID); err != nil {
			return nil, err
		}
		return room.State(), nil
	}

	e.logger.Info("player joined", "room", roomID, "user", userID, "symbol", room.Players[userID])
	return room.State(), nil
}

// Move places the player's symbol on cell. It returns ErrCellOccupied,
// ErrNotYourTurn or ErrGameOver when the transaction aborted against the
// latest room state.
func (e *Engine) Move(ctx context.Context, roomID, userID string, cell int) (*RoomState, error) {
	if cell < 0 || cell > 8 {
		return nil, ErrInvalidCell
	}

	res, err := e.store.Transact(ctx, RoomPath(roomID), func(cur store.Snapshot) (any, bool) {
		room, err := decodeRoom(cur)
		if err != nil {
			return nil, false
		}
		next, err := move(room, userID, cell)
		if err != nil {
			return nil, false
		}
		return next, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to move: %w", err)
	}

	room, err := decodeRoom(res.Snapshot)
	if err != nil {
		return nil, err
	}
	if !res.Committed {
		if _, err := move(room, userID, cell); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: move aborted", apperr.ErrConflict)
	}

	outcome := room.Outcome()
	e.logger.Debug("move applied", "room", roomID, "user", userID, "cell", cell, "attempts", res.Attempts)
	if outcome.Terminal() {
		e.logger.Info("game finished", "room", roomID, "outcome", outcome)
		if err := e.recordOutcome(ctx, room); err != nil {
			return room.State(), err
		}
	}
	return room.State(), nil
}

// RecordOutcome credits the players of a finished room. Outcomes are
// derived from the board and recorded under per-room event ids, so any
// observer may call it repeatedly.
func (e *Engine) RecordOutcome(ctx context.Context, roomID string) error {
	room, err := e.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Outcome().Terminal() {
		return nil
	}
	return e.recordOutcome(ctx, room)
}

func (e *Engine) recordOutcome(ctx context.Context, room *Room) error {
	if e.stats == nil {
		return nil
	}
	winner := room.Outcome().Winner()
	var errs []error
	for uid, symbol := range room.Players {
		score := 0
		if symbol == winner {
			score = WinScore
		}
		if _, err := e.stats.Record(ctx, uid, GameID, score, room.ID+"-"+uid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to record outcome of room %s: %w", room.ID, err)
	}
	return nil
}

// Watch streams the room after every change until ctx is done.
func (e *Engine) Watch(ctx context.Context, roomID string) (*store.Subscription, error) {
	return e.store.Subscribe(ctx, RoomPath(roomID), store.ValueChanged)
}

func (e *Engine) load(ctx context.Context, roomID string) (*Room, error) {
	snap, err := e.store.Read(ctx, RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room: %w", err)
	}
	return decodeRoom(snap)
}

// DecodeRoom converts a room snapshot into a validated Room.
func DecodeRoom(snap store.Snapshot) (*Room, error) {
	return decodeRoom(snap)
}

func decodeRoom(snap store.Snapshot) (*Room, error) {
	if !snap.Exists() {
		return nil, ErrRoomNotFound
	}
	room := &Room{}
	if err := snap.Decode(room); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRoom, err)
	}
	room.ID = snap.Key
	return room, nil
}

// join is the pure seat assignment used inside the transaction.
func join(room *Room, userID string) (Room, bool, error) {
	if _, ok := room.Players[userID]; ok {
		return *room, false, nil
	}
	if room.Outcome().Terminal() {
		return Room{}, false, ErrGameOver
	}
	if len(room.Players) >= 2 {
		return Room{}, false, ErrRoomFull
	}

	claimed := make(map[Symbol]bool)
	for _, s := range room.Players {
		claimed[s] = true
	}
	symbol := X
	if claimed[X] {
		symbol = O
	}

	next := room.clone()
	next.Players[userID] = symbol
	return next, true, nil
}

// move is the pure move rule used inside the transaction.
func move(room *Room, userID string, cell int) (Room, error) {
	if room.Outcome().Terminal() {
		return Room{}, ErrGameOver
	}
	symbol, ok := room.Players[userID]
	if !ok {
		return Room{}, ErrNotInRoom
	}
	if len(room.Players) < 2 {
		return Room{}, ErrWaitingForPeer
	}
	if room.Turn != symbol {
		return Room{}, ErrNotYourTurn
	}
	if room.Board[cell] != None {
		return Room{}, ErrCellOccupied
	}

	next := room.clone()
	next.Board[cell] = symbol
	next.Turn = symbol.Other()
	return next, nil
}
