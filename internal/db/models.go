package db

import (
	"time"
)

// ScheduledEmail is one row of the delivery plan. Rows are created at plan
// time and only the dispatch loop moves them through the status lifecycle.
// Rows are never hard-deleted; cancellation is a terminal status so the
// campaign keeps its audit history.
type ScheduledEmail struct {
	EmailID            string     `json:"email_id"`
	Campaign           string     `json:"campaign"`
	RecipientEmail     string     `json:"recipient_email"`
	Username           string     `json:"username"`
	Subject            string     `json:"subject"`
	Body               string     `json:"body"`
	AttachmentPath     *string    `json:"attachment_path,omitempty"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	Status             string     `json:"status"`
	AttemptCount       int        `json:"attempt_count"`
	LastError          *string    `json:"last_error,omitempty"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	DispatchStartedAt  *time.Time `json:"dispatch_started_at,omitempty"`
	TrackingID         *string    `json:"tracking_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// CampaignCounts summarizes a campaign by row status.
type CampaignCounts struct {
	Campaign      string     `json:"campaign"`
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Sending       int        `json:"sending"`
	Sent          int        `json:"sent"`
	Failed        int        `json:"failed"`
	Cancelled     int        `json:"cancelled"`
	NextScheduled *time.Time `json:"next_scheduled,omitempty"`
}
