package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"salesiq/internal/auth"
	"salesiq/internal/models"
)

type TokenIssuer interface {
	IssueToken(agentID, companyID string) (auth.TokenResponse, error)
}

type AdminHandler struct {
	authService TokenIssuer
	log         *slog.Logger
}

func NewAdminHandler(authService TokenIssuer, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{authService: authService, log: logger}
}

type IssueTokenRequest struct {
	AgentID   string `json:"agentId"`
	CompanyID string `json:"companyId"`
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.authService.IssueToken(req.AgentID, req.CompanyID)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	h.log.Info("agent token issued", "agent_id", resp.AgentID, "company_id", resp.CompanyID)
	_ = json.NewEncoder(w).Encode(resp)
}
