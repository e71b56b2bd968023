package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	companyID = "65a1b2c3d4e5f60718293a00"
	t0Unix    = 1700000000
)

func TestAuthService(t *testing.T) {
	// Helper to create service with fixed time
	createService := func(t *testing.T, anonymous bool) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:         base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry:    time.Hour,
			AllowAnonymous: anonymous,
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		svc, err := NewAuthService(ctx, cfg)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		svc, _ := createService(t, false)

		resp, err := svc.IssueToken("ann", "65A1B2C3D4E5F60718293A00")
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		if resp.CompanyID != companyID {
			t.Errorf("expected normalized company id, got %s", resp.CompanyID)
		}
		if resp.TokenExpiry != t0Unix+3600 {
			t.Errorf("unexpected expiry %d", resp.TokenExpiry)
		}

		agent, err := svc.Verify(resp.Token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if agent.ID != "ann" || agent.CompanyID != companyID {
			t.Errorf("unexpected agent %+v", agent)
		}
	})

	t.Run("RejectsBadInput", func(t *testing.T) {
		svc, _ := createService(t, false)
		if _, err := svc.IssueToken("", companyID); err == nil {
			t.Error("expected error for empty agent id")
		}
		if _, err := svc.IssueToken("ann", "acme"); err == nil {
			t.Error("expected error for malformed company id")
		}
		if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		svc, now := createService(t, false)
		resp, err := svc.IssueToken("ann", companyID)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		if _, err := svc.Verify(resp.Token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected expired token to be rejected, got %v", err)
		}
	})

	t.Run("ForeignSecret", func(t *testing.T) {
		svc, _ := createService(t, false)
		other, err := NewAuthService(context.Background(), Config{
			Secret: base64.StdEncoding.EncodeToString([]byte("other-secret")),
		})
		if err != nil {
			t.Fatal(err)
		}
		other.now = svc.now

		resp, err := other.IssueToken("mallory", companyID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Verify(resp.Token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected token signed with another secret to fail, got %v", err)
		}
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _ := createService(t, false)
		resp, err := svc.IssueToken("ann", companyID)
		if err != nil {
			t.Fatal(err)
		}
		second, err := svc.IssueToken("ann", companyID)
		if err != nil {
			t.Fatal(err)
		}

		if err := svc.Logoff(resp.Token); err != nil {
			t.Fatalf("Logoff failed: %v", err)
		}
		if _, err := svc.Verify(resp.Token); !errors.Is(err, ErrRevoked) {
			t.Errorf("expected ErrRevoked, got %v", err)
		}
		if _, err := svc.Verify(second.Token); err != nil {
			t.Errorf("other tokens must stay valid: %v", err)
		}
	})

	t.Run("Authenticate", func(t *testing.T) {
		svc, _ := createService(t, false)
		resp, err := svc.IssueToken("ann", companyID)
		if err != nil {
			t.Fatal(err)
		}

		r := httptest.NewRequest("GET", "/api/chats", nil)
		r.Header.Set("Authorization", "Bearer "+resp.Token)
		if agent, err := svc.Authenticate(r); err != nil || agent.ID != "ann" {
			t.Errorf("header auth failed: %+v %v", agent, err)
		}

		r = httptest.NewRequest("GET", "/ws?token="+resp.Token, nil)
		if _, err := svc.Authenticate(r); err != nil {
			t.Errorf("query auth failed: %v", err)
		}

		r = httptest.NewRequest("GET", "/api/chats?companyId="+companyID, nil)
		if _, err := svc.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected anonymous request to be rejected, got %v", err)
		}
	})

	t.Run("AnonymousMode", func(t *testing.T) {
		svc, _ := createService(t, true)

		r := httptest.NewRequest("GET", "/api/chats?companyId="+companyID, nil)
		agent, err := svc.Authenticate(r)
		if err != nil {
			t.Fatalf("anonymous auth failed: %v", err)
		}
		if agent.ID != "" || agent.CompanyID != companyID {
			t.Errorf("unexpected agent %+v", agent)
		}

		r = httptest.NewRequest("GET", "/api/chats", nil)
		if _, err := svc.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected missing company to be rejected, got %v", err)
		}
	})
}
