// Package campaign turns a scheduling request into durable delivery plan
// rows: it validates the request, lays recipients out on the rate-limited
// timeline, renders per-recipient content, and writes each send through the
// duplicate guard.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/planner"
	"github.com/courierhq/courier/internal/template"
)

// Store is the slice of the persistence layer the planning service needs.
type Store interface {
	ExistingRecipients(ctx context.Context, campaign string) (map[string]bool, error)
	InsertScheduledEmail(ctx context.Context, e *db.ScheduledEmail) error
	GetScheduledEmail(ctx context.Context, emailID string) (*db.ScheduledEmail, error)
	GetCampaignCounts(ctx context.Context, campaign string) (*db.CampaignCounts, error)
	ListCampaignEmails(ctx context.Context, campaign string, limit, offset int) ([]*db.ScheduledEmail, error)
	CancelEmail(ctx context.Context, emailID string) (bool, error)
	CancelCampaign(ctx context.Context, campaign string) (int, error)
}

// Recipient is one entry of a scheduling request.
type Recipient struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Request describes a campaign to be scheduled.
type Request struct {
	Campaign       string
	Subject        string
	Body           string
	AttachmentPath string
	Recipients     []Recipient
	StartAt        time.Time // zero means start now
	RateLimit      planner.RateLimitConfig
}

// PlanResult reports what a scheduling request actually placed on the plan.
type PlanResult struct {
	Campaign          string     `json:"campaign"`
	Scheduled         int        `json:"scheduled"`
	DuplicatesSkipped int        `json:"duplicates_skipped"`
	SkippedRecipients []string   `json:"skipped_recipients,omitempty"`
	FirstSendAt       *time.Time `json:"first_send_at,omitempty"`
	LastSendAt        *time.Time `json:"last_send_at,omitempty"`
}

var (
	// ErrInvalidRequest indicates a request that fails validation.
	ErrInvalidRequest = errors.New("invalid campaign request")
)

// Service implements campaign planning and inspection.
type Service struct {
	store  Store
	logger *zap.Logger

	defaultRate planner.RateLimitConfig

	now func() time.Time
}

// NewService creates a planning service. defaultRate is used when a request
// does not carry its own rate limit configuration.
func NewService(store Store, defaultRate planner.RateLimitConfig, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		logger:      logger,
		defaultRate: defaultRate,
		now:         time.Now,
	}
}

func (s *Service) validate(req *Request) error {
	switch {
	case strings.TrimSpace(req.Campaign) == "":
		return fmt.Errorf("%w: campaign name is required", ErrInvalidRequest)
	case strings.ContainsAny(req.Campaign, " \t\n"):
		return fmt.Errorf("%w: campaign name must not contain whitespace", ErrInvalidRequest)
	case strings.TrimSpace(req.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidRequest)
	case len(req.Recipients) == 0:
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}

	for i, r := range req.Recipients {
		if !strings.Contains(r.Email, "@") {
			return fmt.Errorf("%w: recipient %d has invalid email %q", ErrInvalidRequest, i, r.Email)
		}
		if strings.TrimSpace(r.Username) == "" {
			return fmt.Errorf("%w: recipient %d (%s) has empty username", ErrInvalidRequest, i, r.Email)
		}
	}

	return nil
}

// Plan schedules a campaign. Recipients already scheduled for this campaign
// are skipped, not errors: re-submitting a grown recipient list only adds
// the new entries. Each inserted row carries fully rendered content so the
// dispatch loop never re-renders.
func (s *Service) Plan(ctx context.Context, req *Request) (*PlanResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	rate := req.RateLimit
	if rate == (planner.RateLimitConfig{}) {
		rate = s.defaultRate
	}
	if err := rate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	existing, err := s.store.ExistingRecipients(ctx, req.Campaign)
	if err != nil {
		return nil, fmt.Errorf("loading existing recipients: %w", err)
	}

	result := &PlanResult{Campaign: req.Campaign}

	// Drop recipients already on the plan, plus repeats within this request.
	seen := make(map[string]bool, len(req.Recipients))
	fresh := make([]Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		key := strings.ToLower(strings.TrimSpace(r.Email))
		if existing[key] || seen[key] {
			result.DuplicatesSkipped++
			result.SkippedRecipients = append(result.SkippedRecipients, r.Email)
			continue
		}
		seen[key] = true
		fresh = append(fresh, r)
	}

	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = s.now()
	}

	slots := make([]planner.Recipient, len(fresh))
	for i, r := range fresh {
		slots[i] = planner.Recipient{Username: r.Username, Email: r.Email}
	}
	plan, err := planner.Plan(slots, startAt, rate)
	if err != nil {
		return nil, fmt.Errorf("planning schedule: %w", err)
	}

	tmpl := template.Template{Subject: req.Subject, Body: req.Body}

	for i, slot := range plan {
		r := fresh[i]
		subject, body := tmpl.Render(r.Username)

		row := &db.ScheduledEmail{
			EmailID:        mintEmailID(req.Campaign, r.Username, startAt),
			Campaign:       req.Campaign,
			RecipientEmail: strings.ToLower(strings.TrimSpace(r.Email)),
			Username:       r.Username,
			Subject:        subject,
			Body:           body,
			ScheduledAt:    slot.ScheduledAt,
			Status:         db.StatusPending,
		}
		if req.AttachmentPath != "" {
			p := req.AttachmentPath
			row.AttachmentPath = &p
		}

		if err := s.store.InsertScheduledEmail(ctx, row); err != nil {
			if errors.Is(err, db.ErrDuplicateRecipient) {
				// Another request won the race for this recipient.
				result.DuplicatesSkipped++
				result.SkippedRecipients = append(result.SkippedRecipients, r.Email)
				continue
			}
			return nil, fmt.Errorf("inserting scheduled email for %s: %w", r.Email, err)
		}

		result.Scheduled++
		if result.FirstSendAt == nil {
			t := slot.ScheduledAt
			result.FirstSendAt = &t
		}
		t := slot.ScheduledAt
		result.LastSendAt = &t
	}

	metrics.RecordEmailsScheduled(req.Campaign, result.Scheduled)
	metrics.RecordDuplicatesSkipped(req.Campaign, result.DuplicatesSkipped)

	s.logger.Info("campaign planned",
		zap.String("campaign", req.Campaign),
		zap.Int("scheduled", result.Scheduled),
		zap.Int("duplicates_skipped", result.DuplicatesSkipped),
	)

	return result, nil
}

// mintEmailID builds a unique, human-scannable primary key for one send.
func mintEmailID(campaign, username string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%s", campaign, username, t.Unix(), uuid.NewString()[:8])
}

// Counts returns status totals for one campaign.
func (s *Service) Counts(ctx context.Context, campaign string) (*db.CampaignCounts, error) {
	return s.store.GetCampaignCounts(ctx, campaign)
}

// Emails lists a page of a campaign's scheduled emails.
func (s *Service) Emails(ctx context.Context, campaign string, limit, offset int) ([]*db.ScheduledEmail, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListCampaignEmails(ctx, campaign, limit, offset)
}

// Email fetches one scheduled email by ID.
func (s *Service) Email(ctx context.Context, emailID string) (*db.ScheduledEmail, error) {
	return s.store.GetScheduledEmail(ctx, emailID)
}

// CancelEmail cancels a single pending email. Returns false if the email
// was already past the point of cancellation.
func (s *Service) CancelEmail(ctx context.Context, emailID string) (bool, error) {
	cancelled, err := s.store.CancelEmail(ctx, emailID)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("email cancelled", zap.String("email_id", emailID))
	}
	return cancelled, nil
}

// CancelCampaign cancels every pending email in a campaign and returns how
// many were cancelled.
func (s *Service) CancelCampaign(ctx context.Context, campaign string) (int, error) {
	n, err := s.store.CancelCampaign(ctx, campaign)
	if err != nil {
		return 0, err
	}
	s.logger.Info("campaign cancelled",
		zap.String("campaign", campaign),
		zap.Int("cancelled", n),
	)
	return n, nil
}
