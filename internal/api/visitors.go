package api

import (
	"net/http"

	"salesiq/internal/models"
	"salesiq/internal/visitors"
)

func (a *API) VisitorsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.visitors.Visitors(r.Context(), agentFrom(r).CompanyID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *API) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.online.ListOnline(agentFrom(r).CompanyID))
}

func (a *API) VisitorHandler(w http.ResponseWriter, r *http.Request) {
	v, err := a.visitors.Visitor(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if v.CompanyID != agentFrom(r).CompanyID {
		a.writeError(w, models.ErrNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

// UpdateVisitorHandler applies an agent edit and refreshes the visitor's live
// sessions so the change reaches every agent.
func (a *API) UpdateVisitorHandler(w http.ResponseWriter, r *http.Request) {
	var patch visitors.VisitorPatch
	if !a.decode(w, r, &patch) {
		return
	}

	companyID := agentFrom(r).CompanyID
	v, err := a.visitors.UpdateVisitor(r.Context(), companyID, r.PathValue("id"), patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.online.UpdateVisitor(v)
	a.events.BroadcastToCompany(companyID, models.EventVisitorUpdated, v)
	a.writeJSON(w, http.StatusOK, v)
}

func (a *API) LeadsHandler(w http.ResponseWriter, r *http.Request) {
	leads, err := a.visitors.Leads(r.Context(), agentFrom(r).CompanyID, models.LeadStatus(r.URL.Query().Get("status")))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, leads)
}

func (a *API) CreateLeadHandler(w http.ResponseWriter, r *http.Request) {
	var in visitors.LeadInput
	if !a.decode(w, r, &in) {
		return
	}

	lead, err := a.visitors.CreateLead(r.Context(), agentFrom(r).CompanyID, in)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, lead)
}

func (a *API) UpdateLeadHandler(w http.ResponseWriter, r *http.Request) {
	var patch visitors.LeadPatch
	if !a.decode(w, r, &patch) {
		return
	}

	lead, err := a.visitors.UpdateLead(r.Context(), agentFrom(r).CompanyID, r.PathValue("id"), patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, lead)
}
