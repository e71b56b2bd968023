package api

import (
	"net/http"

	"salesiq/internal/models"
)

// pushSubscription is the browser's PushSubscription.toJSON() shape.
type pushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	key := a.push.PublicKey()
	if key == "" {
		a.writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "Push notifications are disabled"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

func (a *API) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubscription
	if !a.decode(w, r, &req) {
		return
	}

	agent := agentFrom(r)
	err := a.push.Subscribe(r.Context(), models.PushSubscription{
		CompanyID: agent.CompanyID,
		AgentID:   agent.ID,
		Endpoint:  req.Endpoint,
		Auth:      req.Keys.Auth,
		P256dh:    req.Keys.P256dh,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubscription
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.push.Unsubscribe(r.Context(), agentFrom(r).CompanyID, req.Endpoint); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
