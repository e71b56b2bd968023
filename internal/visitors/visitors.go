package visitors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salesiq/internal/content"
	"salesiq/internal/ids"
	"salesiq/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	maxFieldLength  = 200
)

type Store interface {
	CreateVisitor(v models.Visitor) error
	GetVisitor(id string) (models.Visitor, error)
	UpdateVisitor(id string, fn func(v *models.Visitor)) (models.Visitor, error)
	ListVisitors(companyID string) ([]models.Visitor, error)

	UpsertLead(lead models.Lead) (models.Lead, bool, error)
	GetLead(id string) (models.Lead, error)
	UpdateLead(id string, fn func(l *models.Lead)) (models.Lead, error)
	ListLeads(companyID string, status models.LeadStatus) ([]models.Lead, error)
}

type Config struct {
	Store    Store
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store Store
	// visitorID -> last written record, so hot reads skip the store
	cache geche.Geche[string, models.Visitor]
	log   *slog.Logger
	now   func() time.Time
}

func New(ctx context.Context, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store: cfg.Store,
		cache: geche.NewMapTTLCache[string, models.Visitor](ctx, cfg.CacheTTL, time.Minute),
		log:   cfg.Logger,
		now:   cfg.Now,
	}
}

// ResolveVisitor returns the visitor named by the join's candidate id when it
// exists within the same company, refreshing its last-seen data. Any other
// candidate yields a newly minted visitor.
func (s *Service) ResolveVisitor(ctx context.Context, join models.VisitorJoin) (models.Visitor, error) {
	now := s.now()

	if join.ExistingVisitorID != "" {
		visitor, err := s.store.UpdateVisitor(join.ExistingVisitorID, func(v *models.Visitor) {
			if v.CompanyID != join.CompanyID {
				return
			}
			refresh(v, join, now)
		})
		switch {
		case err == nil && visitor.CompanyID == join.CompanyID:
			s.cache.Set(visitor.ID, visitor)
			return visitor, nil
		case err == nil:
			s.log.Info("visitor id belongs to another company, minting new visitor",
				"visitor_id", join.ExistingVisitorID, "company_id", join.CompanyID)
		case errors.Is(err, models.ErrNotFound):
			s.log.Debug("unknown visitor id, minting new visitor", "visitor_id", join.ExistingVisitorID)
		default:
			return models.Visitor{}, fmt.Errorf("load visitor %s: %w", join.ExistingVisitorID, err)
		}
	}

	visitor := models.Visitor{
		ID:        ids.New(),
		CompanyID: join.CompanyID,
		WebsiteID: join.WebsiteID,
		CreatedAt: now,
	}
	refresh(&visitor, join, now)
	if err := s.store.CreateVisitor(visitor); err != nil {
		return models.Visitor{}, fmt.Errorf("create visitor: %w", err)
	}
	s.cache.Set(visitor.ID, visitor)
	return visitor, nil
}

// refresh applies join metadata. A visit is counted once per widget session.
func refresh(v *models.Visitor, join models.VisitorJoin, now time.Time) {
	v.Status = models.PresenceOnline
	v.LastSeenAt = now
	if join.UserAgent != "" {
		v.Device.UserAgent = join.UserAgent
	}
	if join.IP != "" {
		v.Location.IP = join.IP
	}
	if v.WebsiteID == "" {
		v.WebsiteID = join.WebsiteID
	}
	if join.SessionID == "" || join.SessionID != v.LastSessionID {
		v.Visits++
		v.LastSessionID = join.SessionID
	}
}

// Touch records the visitor's presence status and last-seen time.
func (s *Service) Touch(ctx context.Context, visitorID string, status models.PresenceStatus, at time.Time) (models.Visitor, error) {
	visitor, err := s.store.UpdateVisitor(visitorID, func(v *models.Visitor) {
		v.Status = status
		if at.After(v.LastSeenAt) {
			v.LastSeenAt = at
		}
	})
	if err != nil {
		return models.Visitor{}, fmt.Errorf("touch visitor %s: %w", visitorID, err)
	}
	s.cache.Set(visitor.ID, visitor)
	return visitor, nil
}

// Visitor returns a visitor record, served from cache when warm.
func (s *Service) Visitor(ctx context.Context, id string) (models.Visitor, error) {
	if !ids.Valid(id) {
		return models.Visitor{}, models.ErrInvalidID
	}
	if v, err := s.cache.Get(id); err == nil {
		return v, nil
	}
	v, err := s.store.GetVisitor(id)
	if err != nil {
		return models.Visitor{}, err
	}
	s.cache.Set(id, v)
	return v, nil
}

func (s *Service) Visitors(ctx context.Context, companyID string) ([]models.Visitor, error) {
	visitors, err := s.store.ListVisitors(companyID)
	if err != nil {
		return nil, fmt.Errorf("list visitors: %w", err)
	}
	if visitors == nil {
		visitors = []models.Visitor{}
	}
	return visitors, nil
}

// VisitorPatch carries the agent-editable visitor fields. Nil leaves a field unchanged.
type VisitorPatch struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

// UpdateVisitor applies an agent edit. The visitor must belong to companyID.
func (s *Service) UpdateVisitor(ctx context.Context, companyID, id string, patch VisitorPatch) (models.Visitor, error) {
	current, err := s.Visitor(ctx, id)
	if err != nil {
		return models.Visitor{}, err
	}
	if current.CompanyID != companyID {
		return models.Visitor{}, models.ErrNotFound
	}

	var email string
	if patch.Email != nil && strings.TrimSpace(*patch.Email) != "" {
		if email, err = content.NormalizeEmail(*patch.Email); err != nil {
			return models.Visitor{}, err
		}
	}

	visitor, err := s.store.UpdateVisitor(id, func(v *models.Visitor) {
		if patch.Name != nil {
			v.Name = field(*patch.Name)
		}
		if patch.Email != nil {
			v.Email = email
		}
		if patch.Phone != nil {
			v.Phone = field(*patch.Phone)
		}
	})
	if err != nil {
		return models.Visitor{}, fmt.Errorf("update visitor %s: %w", id, err)
	}
	s.cache.Set(visitor.ID, visitor)
	return visitor, nil
}

func field(s string) string {
	s = content.PlainText(s)
	if r := []rune(s); len(r) > maxFieldLength {
		s = string(r[:maxFieldLength])
	}
	return s
}

// CaptureLead creates the visitor's lead or updates it when one exists for the
// same visitor and company. Contact details are copied onto the visitor. The
// boolean reports whether a new lead was created.
func (s *Service) CaptureLead(ctx context.Context, req models.LeadCapture) (models.Lead, models.Visitor, bool, error) {
	visitorID, ok := ids.Normalize(req.VisitorID)
	if !ok {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("visitor id %q: %w", req.VisitorID, models.ErrInvalidID)
	}
	companyID, ok := ids.Normalize(req.CompanyID)
	if !ok {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("company id %q: %w", req.CompanyID, models.ErrInvalidID)
	}
	email, err := content.NormalizeEmail(req.Email)
	if err != nil {
		return models.Lead{}, models.Visitor{}, false, err
	}

	current, err := s.Visitor(ctx, visitorID)
	if err != nil {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("lead visitor: %w", err)
	}
	if current.CompanyID != companyID {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("visitor %s is not in company %s: %w", visitorID, companyID, models.ErrForbidden)
	}

	now := s.now()
	source := field(req.Source)
	if source == "" {
		source = "chat widget"
	}
	lead, created, err := s.store.UpsertLead(models.Lead{
		ID:        ids.New(),
		VisitorID: visitorID,
		CompanyID: companyID,
		Name:      field(req.Name),
		Email:     email,
		Phone:     field(req.Phone),
		Company:   field(req.Company),
		Role:      field(req.Role),
		Source:    source,
		Status:    models.LeadStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("upsert lead: %w", err)
	}

	visitor, err := s.store.UpdateVisitor(visitorID, func(v *models.Visitor) {
		if lead.Name != "" {
			v.Name = lead.Name
		}
		v.Email = lead.Email
		if lead.Phone != "" {
			v.Phone = lead.Phone
		}
	})
	if err != nil {
		return models.Lead{}, models.Visitor{}, false, fmt.Errorf("copy lead to visitor: %w", err)
	}
	s.cache.Set(visitor.ID, visitor)

	s.log.Info("lead captured", "lead_id", lead.ID, "visitor_id", visitorID, "created", created)
	return lead, visitor, created, nil
}

// LeadInput is the agent-side lead creation payload.
type LeadInput struct {
	VisitorID string            `json:"visitor"`
	Name      string            `json:"name"`
	Email     string            `json:"email"`
	Phone     string            `json:"phone"`
	Company   string            `json:"company"`
	Role      string            `json:"role"`
	Source    string            `json:"source"`
	Status    models.LeadStatus `json:"status"`
	Notes     string            `json:"notes"`
}

// CreateLead stores a lead entered by an agent. With a visitor id it follows
// the same upsert rule as CaptureLead.
func (s *Service) CreateLead(ctx context.Context, companyID string, in LeadInput) (models.Lead, error) {
	if in.VisitorID != "" {
		v, err := s.Visitor(ctx, in.VisitorID)
		if err != nil {
			return models.Lead{}, err
		}
		if v.CompanyID != companyID {
			return models.Lead{}, models.ErrNotFound
		}
	}
	email, err := content.NormalizeEmail(in.Email)
	if err != nil {
		return models.Lead{}, err
	}
	status := in.Status
	if status == "" {
		status = models.LeadStatusNew
	}
	if !status.Valid() {
		return models.Lead{}, fmt.Errorf("lead status %q: %w", status, models.ErrInvalidInput)
	}

	now := s.now()
	lead, _, err := s.store.UpsertLead(models.Lead{
		ID:        ids.New(),
		VisitorID: in.VisitorID,
		CompanyID: companyID,
		Name:      field(in.Name),
		Email:     email,
		Phone:     field(in.Phone),
		Company:   field(in.Company),
		Role:      field(in.Role),
		Source:    field(in.Source),
		Status:    status,
		Notes:     content.PlainText(in.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return models.Lead{}, fmt.Errorf("create lead: %w", err)
	}
	return lead, nil
}

// LeadPatch carries the agent-editable lead fields. Nil leaves a field unchanged.
type LeadPatch struct {
	Name    *string            `json:"name"`
	Phone   *string            `json:"phone"`
	Company *string            `json:"company"`
	Role    *string            `json:"role"`
	Status  *models.LeadStatus `json:"status"`
	Notes   *string            `json:"notes"`
}

// UpdateLead applies an agent edit. Moving a lead to contacted stamps LastContacted.
func (s *Service) UpdateLead(ctx context.Context, companyID, id string, patch LeadPatch) (models.Lead, error) {
	if !ids.Valid(id) {
		return models.Lead{}, models.ErrInvalidID
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return models.Lead{}, fmt.Errorf("lead status %q: %w", *patch.Status, models.ErrInvalidInput)
	}

	existing, err := s.store.GetLead(id)
	if err != nil {
		return models.Lead{}, err
	}
	if existing.CompanyID != companyID {
		return models.Lead{}, models.ErrNotFound
	}

	now := s.now()
	return s.store.UpdateLead(id, func(l *models.Lead) {
		if patch.Name != nil {
			l.Name = field(*patch.Name)
		}
		if patch.Phone != nil {
			l.Phone = field(*patch.Phone)
		}
		if patch.Company != nil {
			l.Company = field(*patch.Company)
		}
		if patch.Role != nil {
			l.Role = field(*patch.Role)
		}
		if patch.Notes != nil {
			l.Notes = content.PlainText(*patch.Notes)
		}
		if patch.Status != nil {
			if *patch.Status == models.LeadStatusContacted && l.Status != models.LeadStatusContacted {
				l.LastContacted = &now
			}
			l.Status = *patch.Status
		}
		l.UpdatedAt = now
	})
}

func (s *Service) Leads(ctx context.Context, companyID string, status models.LeadStatus) ([]models.Lead, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("lead status %q: %w", status, models.ErrInvalidInput)
	}
	leads, err := s.store.ListLeads(companyID, status)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	return leads, nil
}
