package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the external open-tracking service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a tracking client. timeout bounds each request so a
// slow tracker can never stall the dispatch loop.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// BaseURL returns the tracker's base URL, used for pixel construction.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type sentEvent struct {
	TrackingID     string `json:"tracking_id"`
	Campaign       string `json:"campaign"`
	Username       string `json:"username"`
	RecipientEmail string `json:"recipient_email"`
	SentAt         string `json:"sent_at"`
}

// RecordSent notifies the tracker that an email went out, so open rates
// have a denominator. Failures are logged and swallowed: delivery already
// happened and must not be retried because the tracker is down.
func (c *Client) RecordSent(ctx context.Context, trackingID, campaign, username, recipientEmail string, sentAt time.Time) {
	payload, err := json.Marshal(sentEvent{
		TrackingID:     trackingID,
		Campaign:       campaign,
		Username:       username,
		RecipientEmail: recipientEmail,
		SentAt:         sentAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("failed to encode sent event", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/sent", bytes.NewReader(payload))
	if err != nil {
		c.logger.Error("failed to build sent event request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("tracker unreachable, sent event dropped",
			zap.String("tracking_id", trackingID),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("tracker rejected sent event",
			zap.String("tracking_id", trackingID),
			zap.Int("status", resp.StatusCode),
		)
	}
}

// Stats holds per-campaign open tracking numbers as reported by the tracker.
type Stats struct {
	Campaign    string  `json:"campaign"`
	TotalSent   int     `json:"total_sent"`
	TotalOpens  int     `json:"total_opens"`
	UniqueOpens int     `json:"unique_opens"`
	OpenRate    float64 `json:"open_rate"`
}

// CampaignStats fetches open stats for one campaign from the tracker.
func (c *Client) CampaignStats(ctx context.Context, campaign string) (*Stats, error) {
	endpoint := c.baseURL + "/api/campaign/" + url.PathEscape(campaign)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building stats request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching campaign stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d for campaign %q", resp.StatusCode, campaign)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding campaign stats: %w", err)
	}
	if stats.Campaign == "" {
		stats.Campaign = campaign
	}
	return &stats, nil
}
