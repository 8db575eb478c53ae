package http

import (
	"net/http"

	"arcade/notify"
	"arcade/stats"
	"arcade/store"

	"github.com/gorilla/mux"
)

func (h *Handlers) MyStats(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.writeStats(w, r, uid)
}

func (h *Handlers) UserStats(w http.ResponseWriter, r *http.Request) {
	h.writeStats(w, r, mux.Vars(r)["userId"])
}

func (h *Handlers) writeStats(w http.ResponseWriter, r *http.Request, uid string) {
	s, err := h.svc.Stats.Get(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) SubmitScore(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Game  string `json:"game"`
		Score int    `json:"score"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	entryID, err := h.svc.Stats.SubmitScore(r.Context(), uid, req.Game, req.Score)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"entryId": entryID})
}

func (h *Handlers) Leaderboard(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rows, err := h.svc.Stats.Leaderboard(r.Context(), stats.Query{
		Game:   mux.Vars(r)["game"],
		Period: stats.Period(q.Get("period")),
		Scope:  stats.Scope(q.Get("scope")),
		Viewer: uid,
		Search: q.Get("search"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Rank answers 404 when the caller has no score in the period.
func (h *Handlers) Rank(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	rank, err := h.svc.Stats.UserRank(r.Context(), mux.Vars(r)["game"], uid, stats.Period(r.URL.Query().Get("period")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rank == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no score in this period"})
		return
	}
	writeJSON(w, http.StatusOK, rank)
}

func (h *Handlers) GlobalStats(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Stats.GlobalStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) Notifications(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Notify.List(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	unread, err := h.svc.Notify.UnreadCount(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": store.WithKeys(list, func(n notify.Notification) string { return n.ID }),
		"unread":        unread,
	})
}

func (h *Handlers) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.svc.Notify.MarkRead(r.Context(), uid, mux.Vars(r)["notificationId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.svc.Notify.MarkAllRead(r.Context(), uid); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
