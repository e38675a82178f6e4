package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/campaign"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/planner"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/tracking"
)

// CampaignService defines the planning operations the API exposes.
type CampaignService interface {
	Plan(ctx context.Context, req *campaign.Request) (*campaign.PlanResult, error)
	Counts(ctx context.Context, name string) (*db.CampaignCounts, error)
	Emails(ctx context.Context, name string, limit, offset int) ([]*db.ScheduledEmail, error)
	Email(ctx context.Context, emailID string) (*db.ScheduledEmail, error)
	CancelEmail(ctx context.Context, emailID string) (bool, error)
	CancelCampaign(ctx context.Context, name string) (int, error)
}

// OpenStats fetches open-tracking numbers for a campaign.
type OpenStats interface {
	CampaignStats(ctx context.Context, name string) (*tracking.Stats, error)
}

// CampaignRequest represents the incoming scheduling request body
type CampaignRequest struct {
	Campaign       string               `json:"campaign"`
	Subject        string               `json:"subject"`
	Body           string               `json:"body"`
	AttachmentPath string               `json:"attachment_path,omitempty"`
	StartAt        string               `json:"start_at,omitempty"` // RFC3339, empty means now
	Recipients     []campaign.Recipient `json:"recipients"`
	RateLimit      *RateLimitRequest    `json:"rate_limit,omitempty"`
}

// RateLimitRequest overrides the default pacing for one campaign
type RateLimitRequest struct {
	BatchSize           int `json:"batch_size"`
	IntraBatchDelaySecs int `json:"intra_batch_delay_seconds"`
	InterBatchGapSecs   int `json:"inter_batch_gap_seconds"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	campaigns   CampaignService
	opens       OpenStats                 // nil if tracking not configured
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. opens and idempotency may be nil.
func NewHandler(logger *zap.Logger, campaigns CampaignService, opens OpenStats, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		campaigns:   campaigns,
		opens:       opens,
		idempotency: idempotency,
	}
}

// CreateCampaign handles POST /v1/campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var startAt time.Time
	if req.StartAt != "" {
		t, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid start_at", "start_at must be RFC3339")
			return
		}
		startAt = t
	}

	var rate planner.RateLimitConfig
	if req.RateLimit != nil {
		rate = planner.RateLimitConfig{
			BatchSize:       req.RateLimit.BatchSize,
			IntraBatchDelay: time.Duration(req.RateLimit.IntraBatchDelaySecs) * time.Second,
			InterBatchGap:   time.Duration(req.RateLimit.InterBatchGapSecs) * time.Second,
		}
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.Campaign, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	result, err := h.campaigns.Plan(ctx, &campaign.Request{
		Campaign:       req.Campaign,
		Subject:        req.Subject,
		Body:           req.Body,
		AttachmentPath: req.AttachmentPath,
		Recipients:     req.Recipients,
		StartAt:        startAt,
		RateLimit:      rate,
	})
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign request", err.Error())
			return
		}
		h.logger.Error("failed to plan campaign",
			zap.Error(err),
			zap.String("campaign", req.Campaign),
		)
		h.writeError(w, http.StatusInternalServerError, "planning_error", "Failed to schedule campaign", "")
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("failed to encode plan result", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode response", "")
		return
	}

	// The stored body is the exact response, so a replay carries every
	// field of the original (send times, skipped recipients) untouched.
	if idempotencyKey != "" && h.idempotency != nil {
		stored := &redis.IdempotencyResult{
			Campaign:   result.Campaign,
			StatusCode: http.StatusCreated,
			Body:       payload,
		}
		if err := h.idempotency.Store(ctx, req.Campaign, idempotencyKey, stored, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

// GetCampaign handles GET /v1/campaigns/{campaign}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "campaign")

	counts, err := h.campaigns.Counts(ctx, name)
	if err != nil {
		h.logger.Error("failed to get campaign counts",
			zap.Error(err),
			zap.String("campaign", name),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load campaign", "")
		return
	}
	if counts.Total == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(counts)
}

// GetCampaignOpens handles GET /v1/campaigns/{campaign}/opens
func (h *Handler) GetCampaignOpens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "campaign")

	if h.opens == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tracking_disabled", "Open tracking is not configured", "")
		return
	}

	stats, err := h.opens.CampaignStats(ctx, name)
	if err != nil {
		h.logger.Error("failed to fetch open stats",
			zap.Error(err),
			zap.String("campaign", name),
		)
		h.writeError(w, http.StatusBadGateway, "tracker_error", "Failed to fetch open stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// ListCampaignEmails handles GET /v1/campaigns/{campaign}/emails?limit=100&offset=0
func (h *Handler) ListCampaignEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "campaign")

	limit := 100
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	emails, err := h.campaigns.Emails(ctx, name, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaign emails",
			zap.Error(err),
			zap.String("campaign", name),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list emails", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   emails,
		"limit":  limit,
		"offset": offset,
		"count":  len(emails),
	})
}

// CancelCampaign handles POST /v1/campaigns/{campaign}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "campaign")

	n, err := h.campaigns.CancelCampaign(ctx, name)
	if err != nil {
		h.logger.Error("failed to cancel campaign",
			zap.Error(err),
			zap.String("campaign", name),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel campaign", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign":  name,
		"cancelled": n,
	})
}

// GetEmail handles GET /v1/emails/{id}
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	email, err := h.campaigns.Email(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Email not found", "")
			return
		}
		h.logger.Error("failed to get email",
			zap.Error(err),
			zap.String("email_id", id),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load email", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(email)
}

// CancelEmail handles POST /v1/emails/{id}/cancel
func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cancelled, err := h.campaigns.CancelEmail(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Email not found", "")
			return
		}
		h.logger.Error("failed to cancel email",
			zap.Error(err),
			zap.String("email_id", id),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel email", "")
		return
	}

	if !cancelled {
		h.writeError(w, http.StatusConflict, "not_cancellable",
			"Email cannot be cancelled",
			"Only pending emails can be cancelled")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": db.StatusCancelled,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
