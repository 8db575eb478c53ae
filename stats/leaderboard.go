package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"arcade/apperr"
	"arcade/profile"
	"arcade/store"

	"github.com/dustin/go-humanize"
)

type Period string

const (
	PeriodAll     Period = "all"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeFriends Scope = "friends"
)

const defaultBoardSize = 10

var ErrInvalidQuery = apperr.New(apperr.ErrValidation, "invalid leaderboard query")

func (p Period) since(now time.Time) (time.Time, error) {
	day := 24 * time.Hour
	switch p {
	case PeriodAll, "":
		return time.Time{}, nil
	case PeriodDaily:
		return now.Add(-day), nil
	case PeriodWeekly:
		return now.Add(-7 * day), nil
	case PeriodMonthly:
		return now.Add(-30 * day), nil
	case PeriodYearly:
		return now.Add(-365 * day), nil
	}
	return time.Time{}, fmt.Errorf("%w: period %q", ErrInvalidQuery, p)
}

// Entry is one submitted score under leaderboards/{game}/{entryId}.
type Entry struct {
	ID     string `json:"-"`
	Score  int    `json:"score"`
	Name   string `json:"name"`
	UserID string `json:"userId"`
	TS     int64  `json:"ts"`
}

func (e *Entry) Validate() error {
	if e.Score < 0 {
		return errors.New("negative score")
	}
	return nil
}

// Row is a ranked leaderboard line ready for rendering.
type Row struct {
	Rank      int    `json:"rank"`
	Entry     Entry  `json:"entry"`
	IsViewer  bool   `json:"isViewer"`
	ScoreText string `json:"scoreText"`
	When      string `json:"when"`
}

type Query struct {
	Game   string
	Period Period
	Scope  Scope
	Viewer string
	Search string
	Limit  int
}

type Rank struct {
	Rank       int `json:"rank"`
	Total      int `json:"total"`
	Score      int `json:"score"`
	Percentile int `json:"percentile"`
}

type TopPlayer struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	TotalScore int    `json:"totalScore"`
}

type Global struct {
	TotalPlayers   int        `json:"totalPlayers"`
	TotalGames     int        `json:"totalGames"`
	MostPlayedGame string     `json:"mostPlayedGame"`
	TopPlayer      *TopPlayer `json:"topPlayer,omitempty"`
}

// Leaderboard returns the best score per user, highest first.
func (a *Aggregator) Leaderboard(ctx context.Context, q Query) ([]Row, error) {
	if !isKnownGame(q.Game) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, q.Game)
	}
	entries, err := a.entries(ctx, q.Game, q.Period)
	if err != nil {
		return nil, err
	}

	if q.Scope == ScopeFriends {
		friends, err := a.friendSet(ctx, q.Viewer)
		if err != nil {
			return nil, err
		}
		entries = filter(entries, func(e Entry) bool {
			return e.UserID == q.Viewer || friends[e.UserID]
		})
	} else if q.Scope != ScopeGlobal && q.Scope != "" {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalidQuery, q.Scope)
	}

	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		entries = filter(entries, func(e Entry) bool {
			return strings.Contains(strings.ToLower(e.Name), search) ||
				strings.Contains(strings.ToLower(e.UserID), search)
		})
	}

	best := bestPerUser(entries)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultBoardSize
	}
	if len(best) > limit {
		best = best[:limit]
	}

	rows := make([]Row, len(best))
	for i, e := range best {
		rows[i] = Row{
			Rank:      i + 1,
			Entry:     e,
			IsViewer:  q.Viewer != "" && e.UserID == q.Viewer,
			ScoreText: humanize.Comma(int64(e.Score)),
			When:      humanize.Time(time.UnixMilli(e.TS)),
		}
	}
	return rows, nil
}

// UserRank locates uid among the best scores of game, or returns nil when
// the user has no score in the period.
func (a *Aggregator) UserRank(ctx context.Context, game, uid string, period Period) (*Rank, error) {
	entries, err := a.entries(ctx, game, period)
	if err != nil {
		return nil, err
	}
	best := bestPerUser(entries)
	for i, e := range best {
		if e.UserID == uid {
			total := len(best)
			return &Rank{
				Rank:       i + 1,
				Total:      total,
				Score:      e.Score,
				Percentile: int(math.Round(float64(total-i) / float64(total) * 100)),
			}, nil
		}
	}
	return nil, nil
}

func (a *Aggregator) GlobalStats(ctx context.Context) (Global, error) {
	var g Global

	users, err := a.store.Read(ctx, "users")
	if err != nil {
		return g, fmt.Errorf("failed to read users: %w", err)
	}
	g.TotalPlayers = users.NumChildren()

	totals := make(map[string]int)
	mostPlayed := -1
	for _, game := range Games {
		entries, err := a.entries(ctx, game, PeriodAll)
		if err != nil {
			return g, err
		}
		g.TotalGames += len(entries)
		if len(entries) > mostPlayed {
			mostPlayed = len(entries)
			g.MostPlayedGame = game
		}
		for _, e := range entries {
			if e.UserID != "" {
				totals[e.UserID] += e.Score
			}
		}
	}

	var top string
	for uid, total := range totals {
		if top == "" || total > totals[top] || (total == totals[top] && uid < top) {
			top = uid
		}
	}
	if top != "" {
		name, err := a.users.Username(ctx, top)
		if err != nil && !errors.Is(err, profile.ErrUserNotFound) {
			return g, err
		}
		g.TopPlayer = &TopPlayer{ID: top, Username: name, TotalScore: totals[top]}
	}
	return g, nil
}

func (a *Aggregator) entries(ctx context.Context, game string, period Period) ([]Entry, error) {
	since, err := period.since(a.now())
	if err != nil {
		return nil, err
	}
	snap, err := a.store.Read(ctx, store.Join("leaderboards", game))
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}

	var out []Entry
	for _, child := range snap.Children() {
		var e Entry
		if err := child.Decode(&e); err != nil {
			a.logger.Warn("skipping malformed leaderboard entry", "path", child.Path, "error", err)
			continue
		}
		if !since.IsZero() && e.TS < since.UnixMilli() {
			continue
		}
		e.ID = child.Key
		out = append(out, e)
	}
	return out, nil
}

func (a *Aggregator) friendSet(ctx context.Context, uid string) (map[string]bool, error) {
	snap, err := a.store.Read(ctx, store.Join("friends", uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read friends: %w", err)
	}
	set := make(map[string]bool, snap.NumChildren())
	for _, child := range snap.Children() {
		set[child.Key] = true
	}
	return set, nil
}

func bestPerUser(entries []Entry) []Entry {
	best := make(map[string]Entry)
	for _, e := range entries {
		uid := e.UserID
		if uid == "" {
			uid = "anonymous"
		}
		if cur, ok := best[uid]; !ok || e.Score > cur.Score {
			best[uid] = e
		}
	}

	out := make([]Entry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TS < out[j].TS
	})
	return out
}

func filter(entries []Entry, keep func(Entry) bool) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
