package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"arcade/auth"
	"arcade/chat"
	"arcade/game"
	"arcade/moderation"
	"arcade/notify"
	"arcade/profile"
	"arcade/social"
	"arcade/stats"
	"arcade/store"
	"arcade/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	users := profile.NewDirectory(st)
	filter := moderation.NewWordList(moderation.DefaultBanned, moderation.DefaultMasked)
	agg := stats.NewAggregator(st, users, nil)
	engine := game.NewEngine(st, nil, agg, nil)
	graph := social.NewGraph(st, users, nil, filter, nil)
	chats := chat.NewService(st, users, chat.WithFilter(filter), chat.WithBlockChecker(graph), chat.WithRooms(engine))
	lobby := game.NewLobby(st, users, nil)
	notifications := notify.NewService(st)

	svc := Services{
		Auth:   auth.NewService(st, users, auth.NewSessionManager([]byte("0123456789abcdef0123456789abcdef")), filter, nil),
		Users:  users,
		Engine: engine,
		Lobby:  lobby,
		Social: graph,
		Chat:   chats,
		Stats:  agg,
		Notify: notifications,
		WS: ws.NewManager(ws.Deps{
			Store: st, Engine: engine, Lobby: lobby, Social: graph, Chat: chats, Notify: notifications,
		}, "", nil),
	}

	srv := httptest.NewServer(NewServer(ctx, svc, Options{StaticDir: t.TempDir()}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type apiClient struct {
	t    *testing.T
	hc   *http.Client
	base string
	uid  string
}

func newClient(t *testing.T, srv *httptest.Server) *apiClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &apiClient{t: t, hc: &http.Client{Jar: jar}, base: srv.URL}
}

func (c *apiClient) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c *apiClient) register(username string) {
	c.t.Helper()
	status, body := c.do(http.MethodPost, "/api/auth/register", credentialsRequest{Username: username, Password: "hunter22"})
	require.Equal(c.t, http.StatusCreated, status, string(body))
	var out signedIn
	require.NoError(c.t, json.Unmarshal(body, &out))
	c.uid = out.UserID
}

func decodeInto[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv)

	status, _ := alice.do(http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	alice.register("alice")
	status, body := alice.do(http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", decodeInto[map[string]any](t, body)["username"])

	status, _ = alice.do(http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = alice.do(http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = alice.do(http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: "wrong123"})
	assert.Equal(t, http.StatusForbidden, status, string(body))
	status, _ = alice.do(http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: "hunter22"})
	assert.Equal(t, http.StatusOK, status)
}

func TestRegisterErrors(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)

	status, body := c.do(http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "password")

	status, _ = c.do(http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "hunter22"})
	assert.Equal(t, http.StatusCreated, status)

	// The third attempt within the burst is still admitted; the fourth is not.
	status, _ = c.do(http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "hunter22"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = c.do(http.MethodPost, "/api/auth/register", credentialsRequest{Username: "bob", Password: "hunter22"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestUnknownAPIRouteIsJSON(t *testing.T) {
	srv := newTestServer(t)
	status, body := newClient(t, srv).do(http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"not found"}`, string(body))
}

func TestRoomOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := newClient(t, srv), newClient(t, srv)
	alice.register("alice")
	bob.register("bobby")

	status, body := alice.do(http.MethodPost, "/api/lobby/rooms", nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	room := decodeInto[game.RoomState](t, body)

	status, _ = bob.do(http.MethodPost, "/api/lobby/rooms/"+room.ID+"/join", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = alice.do(http.MethodPost, "/api/lobby/rooms/"+room.ID+"/move", moveRequest{Cell: 4})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, game.X, decodeInto[game.RoomState](t, body).Board[4])

	status, body = alice.do(http.MethodPost, "/api/lobby/rooms/"+room.ID+"/move", moveRequest{Cell: 0})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(body), "not your turn")

	status, body = alice.do(http.MethodGet, "/api/lobby/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	rooms := decodeInto[[]game.RoomSummary](t, body)
	require.Len(t, rooms, 1)
	assert.Equal(t, "bobby", rooms[0].Usernames[bob.uid])

	status, _ = alice.do(http.MethodGet, "/api/lobby/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFriendsAndChat(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := newClient(t, srv), newClient(t, srv)
	alice.register("alice")
	bob.register("bobby")

	status, body := alice.do(http.MethodPost, "/api/friend-requests", map[string]string{"username": "bobby"})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = bob.do(http.MethodGet, "/api/friend-requests", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeInto[[]social.Request](t, body), 1)

	status, _ = bob.do(http.MethodPost, "/api/friend-requests/"+alice.uid+"/accept", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = alice.do(http.MethodGet, "/api/friends", nil)
	require.Equal(t, http.StatusOK, status)
	friends := decodeInto[[]social.Edge](t, body)
	require.Len(t, friends, 1)
	assert.Equal(t, "bobby", friends[0].Username)

	status, body = alice.do(http.MethodPost, "/api/chats/"+bob.uid+"/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = bob.do(http.MethodGet, "/api/chats/"+alice.uid+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	messages := decodeInto[[]chat.Message](t, body)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)

	status, body = bob.do(http.MethodPost, "/api/chats/"+alice.uid+"/read", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"marked":1}`, string(body))

	status, body = bob.do(http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, decodeInto[map[string]any](t, body)["unread"])

	status, _ = bob.do(http.MethodPut, "/api/blocked/"+alice.uid, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = alice.do(http.MethodPost, "/api/chats/"+bob.uid+"/messages", map[string]string{"text": "still there?"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestScoresAndLeaderboard(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv)
	alice.register("alice")

	status, body := alice.do(http.MethodPost, "/api/scores", map[string]any{"game": "guess", "score": 1200})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = alice.do(http.MethodGet, "/api/leaderboards/guess?period=weekly", nil)
	require.Equal(t, http.StatusOK, status)
	rows := decodeInto[[]stats.Row](t, body)
	require.Len(t, rows, 1)
	assert.Equal(t, "1,200", rows[0].ScoreText)
	assert.True(t, rows[0].IsViewer)

	status, body = alice.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1200, decodeInto[map[string]any](t, body)["totalScore"])

	status, _ = alice.do(http.MethodGet, "/api/leaderboards/guess?period=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = alice.do(http.MethodPost, "/api/scores", map[string]any{"game": "chess", "score": 1})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLocalGame(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv)
	alice.register("alice")

	status, _ := alice.do(http.MethodPost, "/api/local/move", moveRequest{Cell: 0})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = alice.do(http.MethodPost, "/api/local", nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := alice.do(http.MethodPost, "/api/local/move", moveRequest{Cell: 4})
	require.Equal(t, http.StatusOK, status)
	state := decodeInto[localState](t, body)
	assert.Equal(t, game.X, state.Board[4])
	assert.NotEqual(t, 4, state.Reply)
	assert.Equal(t, game.O, state.Board[state.Reply])

	status, _ = alice.do(http.MethodPost, "/api/local/move", moveRequest{Cell: 4})
	assert.Equal(t, http.StatusForbidden, status)
}
