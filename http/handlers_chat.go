package http

import (
	"net/http"

	"arcade/chat"
	"arcade/store"

	"github.com/gorilla/mux"
)

const defaultMessageLimit = 50

func (h *Handlers) Chats(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	chats, err := h.svc.Chat.Chats(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// SendMessage posts to the private chat with the peer in the path. Private
// chat routes derive the chat id from the caller and the peer, so a user
// only ever reaches their own chats.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	chatID, msgID, err := h.svc.Chat.SendPrivate(r.Context(), uid, mux.Vars(r)["userId"], req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chatId": chatID, "messageId": msgID})
}

func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	chatID := chat.ID(uid, mux.Vars(r)["userId"])
	messages, err := h.svc.Chat.Messages(r.Context(), chatID, queryInt(r, "limit", defaultMessageLimit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.WithKeys(messages, messageID))
}

func messageID(m chat.Message) string { return m.ID }

func (h *Handlers) MarkChatRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Chat.MarkRead(r.Context(), chat.ID(uid, mux.Vars(r)["userId"]), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.svc.Chat.DeleteMessage(r.Context(), chat.ID(uid, vars["userId"]), vars["messageId"], uid); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SendGameInvite(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		GameType string `json:"gameType"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	chatID, msgID, err := h.svc.Chat.SendGameInvite(r.Context(), uid, mux.Vars(r)["userId"], req.GameType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chatId": chatID, "messageId": msgID})
}

func (h *Handlers) RespondToGameInvite(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	msg, err := h.svc.Chat.RespondToGameInvite(r.Context(), chat.ID(uid, vars["userId"]), vars["messageId"], uid, req.Accept)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Keyed[*chat.Message]{Key: msg.ID, Value: msg})
}

func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	groupID, err := h.svc.Chat.CreateGroup(r.Context(), uid, req.Name, req.Members)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"groupId": groupID})
}

// group loads the group in the path and checks the caller belongs to it.
func (h *Handlers) group(w http.ResponseWriter, r *http.Request, uid string) (*chat.Group, bool) {
	g, err := h.svc.Chat.Group(r.Context(), mux.Vars(r)["groupId"])
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if _, member := g.Members[uid]; !member {
		h.writeError(w, r, chat.ErrNotMember)
		return nil, false
	}
	return g, true
}

func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	g, ok := h.group(w, r, uid)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, store.Keyed[*chat.Group]{Key: g.ID, Value: g})
}

func (h *Handlers) SendGroupMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	msgID, err := h.svc.Chat.SendGroup(r.Context(), uid, mux.Vars(r)["groupId"], req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"messageId": msgID})
}

func (h *Handlers) GroupMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	g, ok := h.group(w, r, uid)
	if !ok {
		return
	}
	messages, err := h.svc.Chat.GroupMessages(r.Context(), g.ID, queryInt(r, "limit", defaultMessageLimit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.WithKeys(messages, messageID))
}
