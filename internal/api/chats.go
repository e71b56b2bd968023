package api

import (
	"context"
	"net/http"

	"salesiq/internal/chat"
	"salesiq/internal/models"
)

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	chats, err := a.chats.Chats(r.Context(), agent.CompanyID, models.ChatStatus(r.URL.Query().Get("status")))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, chats)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	messages, err := a.chats.History(r.Context(), agent.CompanyID, r.PathValue("visitorId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, messages)
}

type sendRequest struct {
	Text   string `json:"text"`
	TempID string `json:"tempId,omitempty"`
}

// SendHandler posts an agent message to the visitor's open chat, starting one
// when needed. Live recipients get it over the realtime channel as well.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.sendTimeout)
	defer cancel()

	agent := agentFrom(r)
	msg, err := a.chats.AgentSend(ctx, chat.Outgoing{
		CompanyID: agent.CompanyID,
		VisitorID: r.PathValue("visitorId"),
		AgentID:   agent.ID,
		Text:      req.Text,
		TempID:    req.TempID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, msg)
}

type statusRequest struct {
	Status models.ChatStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

func (a *API) ChatStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !a.decode(w, r, &req) {
		return
	}

	agent := agentFrom(r)
	updated, err := a.chats.SetStatus(r.Context(), agent.CompanyID, r.PathValue("chatId"), req.Status, req.Reason, agent.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	updated, err := a.chats.MarkRead(r.Context(), agent.CompanyID, r.PathValue("chatId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}
