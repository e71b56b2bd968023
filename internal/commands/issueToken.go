package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salesiq/internal/api"
	"salesiq/internal/auth"
	"salesiq/internal/config"
)

// ParseAgent splits "agent@company" at the last '@', so agent ids may be
// email addresses.
func ParseAgent(s string) (agentID, companyID string, err error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("expected agent@company, got %q", s)
	}
	return s[:i], s[i+1:], nil
}

// IssueToken asks the running server's admin API for an agent token.
func IssueToken(agent string, cfg *config.Config, out io.Writer) error {
	agentID, companyID, err := ParseAgent(agent)
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(api.IssueTokenRequest{AgentID: agentID, CompanyID: companyID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/tokens", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nAgent token issued\n")
	fmt.Fprintf(out, "Agent:    %s\n", result.AgentID)
	fmt.Fprintf(out, "Company:  %s\n", result.CompanyID)
	fmt.Fprintf(out, "Expires:  %s\n", time.Unix(result.TokenExpiry, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Token:    %s\n\n", result.Token)
	fmt.Fprintf(out, "Dashboard: %s/?token=%s\n", strings.TrimSuffix(cfg.BaseURL, "/"), result.Token)
	return nil
}
