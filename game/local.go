package game

import (
	"context"
	"math/rand/v2"
	"sync"

	"arcade/ratelimit"
)

// LocalGame is a single-player game against a random opponent. It never
// touches the store; the player is always X and moves first.
type LocalGame struct {
	mu    sync.Mutex
	board Board
	rng   *rand.Rand
}

func NewLocalGame(rng *rand.Rand) *LocalGame {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &LocalGame{rng: rng}
}

func (g *LocalGame) Board() Board {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.board
}

func (g *LocalGame) Outcome() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Evaluate(g.board)
}

// Play places X on cell and, unless the game ended, answers with O on a
// uniformly chosen empty cell. It returns the opponent's cell or -1.
func (g *LocalGame) Play(cell int) (int, Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cell < 0 || cell > 8 {
		return -1, Ongoing, ErrInvalidCell
	}
	if Evaluate(g.board).Terminal() {
		return -1, Evaluate(g.board), ErrGameOver
	}
	if g.board[cell] != None {
		return -1, Ongoing, ErrCellOccupied
	}

	g.board[cell] = X
	if outcome := Evaluate(g.board); outcome.Terminal() {
		return -1, outcome, nil
	}

	empties := g.board.Empties()
	reply := empties[g.rng.IntN(len(empties))]
	g.board[reply] = O
	return reply, Evaluate(g.board), nil
}

// StartLocal admits a local game start for userID.
func (e *Engine) StartLocal(ctx context.Context, userID string) (*LocalGame, error) {
	if err := ratelimit.Admit(ctx, e.limiter, userID); err != nil {
		return nil, err
	}
	return NewLocalGame(nil), nil
}

// FinishLocal submits WinScore when the player won. It returns the
// leaderboard entry id, or "" when nothing was submitted.
func (e *Engine) FinishLocal(ctx context.Context, userID string, g *LocalGame) (string, error) {
	if g.Outcome() != XWins || e.stats == nil {
		return "", nil
	}
	return e.stats.SubmitScore(ctx, userID, GameID, WinScore)
}
