package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"salesiq/internal/ids"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRevoked      = errors.New("token revoked")
)

// Agent is the identity carried by an agent token.
type Agent struct {
	ID        string `json:"agentId"`
	CompanyID string `json:"companyId"`
}

type Claims struct {
	jwt.RegisteredClaims
	AgentID   string `json:"agentId"`
	CompanyID string `json:"companyId"`
}

type TokenResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	CompanyID   string `json:"companyId,omitempty"`
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	// AllowAnonymous accepts agents without a token. The company is then
	// taken from the request. Intended for demos only.
	AllowAnonymous bool `json:"allowAnonymous"`
}

type AuthService struct {
	Config
	// token id -> agent id, kept until the token would have expired anyway
	revoked geche.Geche[string, string]
	now     func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// IssueToken signs an agent token scoped to one company.
func (as *AuthService) IssueToken(agentID, companyID string) (TokenResponse, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return TokenResponse{}, errors.New("agent id is required")
	}
	normalized, ok := ids.Normalize(companyID)
	if !ok {
		return TokenResponse{}, fmt.Errorf("company id %q is not a valid id", companyID)
	}
	companyID = normalized

	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		AgentID:   agentID,
		CompanyID: companyID,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return TokenResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiry.Unix(),
		AgentID:     agentID,
		CompanyID:   companyID,
	}, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return as.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.AgentID == "" || !ids.Valid(claims.CompanyID) {
		return nil, fmt.Errorf("%w: incomplete claims", ErrUnauthorized)
	}
	return claims, nil
}

// Verify returns the agent of a valid, unrevoked token.
func (as *AuthService) Verify(token string) (Agent, error) {
	claims, err := as.parse(token)
	if err != nil {
		return Agent{}, err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return Agent{}, ErrRevoked
	}
	return Agent{ID: claims.AgentID, CompanyID: claims.CompanyID}, nil
}

// Logoff revokes the token until it expires.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, claims.AgentID)
	slog.Info("agent logged off", "agent_id", claims.AgentID)
	return nil
}

// TokenFromRequest reads the bearer token from the Authorization header, the
// token cookie or the token query parameter. Browsers cannot set headers on
// websocket upgrades, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// Authenticate resolves the agent making the request. In anonymous mode a
// request without a token is accepted for the company named by the
// companyId query parameter.
func (as *AuthService) Authenticate(r *http.Request) (Agent, error) {
	token := TokenFromRequest(r)
	if token != "" {
		return as.Verify(token)
	}
	if !as.AllowAnonymous {
		return Agent{}, ErrUnauthorized
	}
	companyID, ok := ids.Normalize(r.URL.Query().Get("companyId"))
	if !ok {
		return Agent{}, fmt.Errorf("%w: companyId is required", ErrUnauthorized)
	}
	return Agent{CompanyID: companyID}, nil
}
