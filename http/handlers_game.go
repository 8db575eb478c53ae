package http

import (
	"net/http"

	"arcade/apperr"
	"arcade/game"

	"github.com/gorilla/mux"
)

var errNoLocalGame = apperr.New(apperr.ErrNotFound, "no local game in progress")

type moveRequest struct {
	Cell int `json:"cell"`
}

func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.svc.Lobby.ListRooms(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	room, err := h.svc.Engine.CreateRoom(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Lobby.GetRoom(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handlers) JoinRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	room, err := h.svc.Engine.Join(r.Context(), mux.Vars(r)["roomId"], uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handlers) Move(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	room, err := h.svc.Engine.Move(r.Context(), mux.Vars(r)["roomId"], uid, req.Cell)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type localState struct {
	Board   game.Board   `json:"board"`
	Reply   int          `json:"reply"`
	Outcome game.Outcome `json:"outcome,omitempty"`
	EntryID string       `json:"entryId,omitempty"`
}

// StartLocal replaces the caller's single-player game with a fresh one.
func (h *Handlers) StartLocal(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	g, err := h.svc.Engine.StartLocal(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.local.put(uid, g)
	writeJSON(w, http.StatusCreated, localState{Board: g.Board(), Reply: -1})
}

// PlayLocal plays the caller's move and the opponent's answer. A finished
// game is submitted to stats and forgotten.
func (h *Handlers) PlayLocal(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	g := h.local.get(uid)
	if g == nil {
		h.writeError(w, r, errNoLocalGame)
		return
	}
	var req moveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	reply, outcome, err := g.Play(req.Cell)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state := localState{Board: g.Board(), Reply: reply, Outcome: outcome}
	if outcome.Terminal() {
		h.local.put(uid, nil)
		if state.EntryID, err = h.svc.Engine.FinishLocal(r.Context(), uid, g); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, state)
}
