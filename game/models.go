package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	StatusEmpty    = "empty"
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusFinished = "finished"
)

type Symbol string

const (
	None Symbol = ""
	X    Symbol = "X"
	O    Symbol = "O"
)

func (s Symbol) Other() Symbol {
	if s == X {
		return O
	}
	return X
}

func (s Symbol) valid() bool {
	return s == None || s == X || s == O
}

// Board is the 3x3 grid in row-major order.
type Board [9]Symbol

func (b *Board) UnmarshalJSON(data []byte) error {
	var cells []Symbol
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	if len(cells) != len(b) {
		return fmt.Errorf("board must have %d cells, got %d", len(b), len(cells))
	}
	copy(b[:], cells)
	return nil
}

func (b Board) Empties() []int {
	var out []int
	for i, c := range b {
		if c == None {
			out = append(out, i)
		}
	}
	return out
}

// Outcome is the terminal result derived from a board: a winning symbol,
// a draw, or nothing yet.
type Outcome string

const (
	Ongoing Outcome = ""
	XWins   Outcome = "X"
	OWins   Outcome = "O"
	Draw    Outcome = "draw"
)

func (o Outcome) Terminal() bool {
	return o != Ongoing
}

// Winner returns the winning symbol, or None for a draw or ongoing game.
func (o Outcome) Winner() Symbol {
	switch o {
	case XWins:
		return X
	case OWins:
		return O
	}
	return None
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Evaluate is a pure function of the board, so every observer derives the
// same result from the same board.
func Evaluate(b Board) Outcome {
	for _, l := range winLines {
		if s := b[l[0]]; s != None && s == b[l[1]] && s == b[l[2]] {
			return Outcome(s)
		}
	}
	if len(b.Empties()) == 0 {
		return Draw
	}
	return Ongoing
}

// Room is stored at ttt-rooms/{id}.
type Room struct {
	ID        string            `json:"-"`
	Board     Board             `json:"board"`
	Turn      Symbol            `json:"turn"`
	Players   map[string]Symbol `json:"players"`
	CreatedAt int64             `json:"createdAt"`
}

func (r *Room) Validate() error {
	if r.Turn != X && r.Turn != O {
		return fmt.Errorf("invalid turn %q", r.Turn)
	}
	for i, c := range r.Board {
		if !c.valid() {
			return fmt.Errorf("invalid cell %d: %q", i, c)
		}
	}
	if len(r.Players) > 2 {
		return errors.New("more than two players")
	}
	seen := make(map[Symbol]bool)
	for uid, s := range r.Players {
		if s != X && s != O {
			return fmt.Errorf("invalid symbol %q for %s", s, uid)
		}
		if seen[s] {
			return fmt.Errorf("symbol %s assigned twice", s)
		}
		seen[s] = true
	}
	return nil
}

func (r *Room) Outcome() Outcome {
	return Evaluate(r.Board)
}

func (r *Room) Status() string {
	switch {
	case r.Outcome().Terminal():
		return StatusFinished
	case len(r.Players) >= 2:
		return StatusActive
	case len(r.Players) == 1:
		return StatusWaiting
	}
	return StatusEmpty
}

func (r *Room) clone() Room {
	c := *r
	c.Players = make(map[string]Symbol, len(r.Players))
	for k, v := range r.Players {
		c.Players[k] = v
	}
	return c
}

// RoomState is the view handed to the UI.
type RoomState struct {
	ID        string            `json:"id"`
	Board     Board             `json:"board"`
	Turn      Symbol            `json:"turn"`
	Players   map[string]Symbol `json:"players"`
	Status    string            `json:"status"`
	Outcome   Outcome           `json:"outcome,omitempty"`
	CreatedAt int64             `json:"createdAt"`
}

func (r *Room) State() *RoomState {
	return &RoomState{
		ID:        r.ID,
		Board:     r.Board,
		Turn:      r.Turn,
		Players:   r.Players,
		Status:    r.Status(),
		Outcome:   r.Outcome(),
		CreatedAt: r.CreatedAt,
	}
}
