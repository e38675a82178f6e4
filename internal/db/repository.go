package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateRecipient is returned when an insert collides with an existing
// non-cancelled row for the same (recipient_email, campaign). The partial
// unique index is the final authority on the anti-duplicate-send invariant;
// any in-memory pre-check is only an optimization.
var ErrDuplicateRecipient = errors.New("recipient already scheduled for this campaign")

// ErrNotFound is returned when a scheduled email does not exist.
var ErrNotFound = errors.New("scheduled email not found")

const scheduledEmailColumns = `
	email_id, campaign, recipient_email, username, subject, body,
	attachment_path, scheduled_at, sent_at, status, attempt_count,
	last_error, next_retry_at, dispatch_started_at, tracking_id,
	created_at, updated_at`

// Repository handles database operations for scheduled emails
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new schedule store repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func scanScheduledEmail(row pgx.Row) (*ScheduledEmail, error) {
	var e ScheduledEmail
	err := row.Scan(
		&e.EmailID,
		&e.Campaign,
		&e.RecipientEmail,
		&e.Username,
		&e.Subject,
		&e.Body,
		&e.AttachmentPath,
		&e.ScheduledAt,
		&e.SentAt,
		&e.Status,
		&e.AttemptCount,
		&e.LastError,
		&e.NextRetryAt,
		&e.DispatchStartedAt,
		&e.TrackingID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertScheduledEmail persists one planned send. A collision on the
// (recipient_email, campaign) uniqueness constraint is mapped to
// ErrDuplicateRecipient rather than surfaced as an opaque pg error.
func (r *Repository) InsertScheduledEmail(ctx context.Context, e *ScheduledEmail) error {
	query := `
		INSERT INTO scheduled_emails (
			email_id, campaign, recipient_email, username, subject, body,
			attachment_path, scheduled_at, status, attempt_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		e.EmailID,
		e.Campaign,
		e.RecipientEmail,
		e.Username,
		e.Subject,
		e.Body,
		e.AttachmentPath,
		e.ScheduledAt.UTC(),
		e.Status,
		e.AttemptCount,
	).Scan(&e.CreatedAt, &e.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRecipient
		}
		r.logger.Error("failed to insert scheduled email",
			zap.Error(err),
			zap.String("email_id", e.EmailID),
			zap.String("campaign", e.Campaign),
		)
		return fmt.Errorf("insert scheduled email: %w", err)
	}

	return nil
}

// GetScheduledEmail retrieves a scheduled email by ID
func (r *Repository) GetScheduledEmail(ctx context.Context, emailID string) (*ScheduledEmail, error) {
	query := `SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails WHERE email_id = $1`

	e, err := scanScheduledEmail(r.db.Pool().QueryRow(ctx, query, emailID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, emailID)
	}
	if err != nil {
		r.logger.Error("failed to get scheduled email",
			zap.Error(err),
			zap.String("email_id", emailID),
		)
		return nil, fmt.Errorf("query scheduled email: %w", err)
	}

	return e, nil
}

// ExistingRecipients returns the recipient addresses already holding a
// non-cancelled row in the campaign. Used by the dedup guard as a pre-check.
func (r *Repository) ExistingRecipients(ctx context.Context, campaign string) (map[string]bool, error) {
	query := `
		SELECT recipient_email FROM scheduled_emails
		WHERE campaign = $1 AND status <> 'cancelled'
	`

	rows, err := r.db.Pool().Query(ctx, query, campaign)
	if err != nil {
		return nil, fmt.Errorf("query existing recipients: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		existing[email] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return existing, nil
}

// ClaimDueEmails atomically moves up to limit due pending rows into the
// sending state and returns them. The claim is the at-most-one-in-flight
// discipline: once a row is sending, no other dispatcher can pick it up, and
// SKIP LOCKED keeps concurrent dispatchers from blocking on each other.
func (r *Repository) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]*ScheduledEmail, error) {
	query := `
		UPDATE scheduled_emails
		SET status = 'sending', dispatch_started_at = $1, updated_at = NOW()
		WHERE email_id IN (
			SELECT email_id FROM scheduled_emails
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduledEmailColumns

	rows, err := r.db.Pool().Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due emails: %w", err)
	}
	defer rows.Close()

	var claimed []*ScheduledEmail
	for rows.Next() {
		e, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed email: %w", err)
		}
		claimed = append(claimed, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return claimed, nil
}

// CountDuePending returns how many pending rows are past due. Feeds the
// backlog gauge; the count is a sample, not a claim.
func (r *Repository) CountDuePending(ctx context.Context, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM scheduled_emails
		WHERE status = 'pending'
		  AND scheduled_at <= $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, now.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count due pending: %w", err)
	}

	return count, nil
}

// MarkSent records a successful delivery.
func (r *Repository) MarkSent(ctx context.Context, emailID string, sentAt time.Time) error {
	query := `
		UPDATE scheduled_emails
		SET status = 'sent', sent_at = $1, last_error = NULL, updated_at = NOW()
		WHERE email_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, sentAt.UTC(), emailID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, emailID)
	}

	return nil
}

// MarkFailed records a terminal failure (permanent error or retries exhausted).
func (r *Repository) MarkFailed(ctx context.Context, emailID string, attempt int, lastError string) error {
	query := `
		UPDATE scheduled_emails
		SET status = 'failed', attempt_count = $1, last_error = $2, updated_at = NOW()
		WHERE email_id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, attempt, lastError, emailID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, emailID)
	}

	return nil
}

// ScheduleRetry returns a row to pending after a transient failure, recording
// the attempt and the backoff target the due-query will honor.
func (r *Repository) ScheduleRetry(ctx context.Context, emailID string, attempt int, lastError string, nextRetryAt time.Time) error {
	query := `
		UPDATE scheduled_emails
		SET status = 'pending', attempt_count = $1, last_error = $2,
		    next_retry_at = $3, dispatch_started_at = NULL, updated_at = NOW()
		WHERE email_id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, attempt, lastError, nextRetryAt.UTC(), emailID)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, emailID)
	}

	return nil
}

// SetTrackingID assigns the tracking id if the row does not have one yet.
// The id is stable once set; a retry after a crash keeps the original.
func (r *Repository) SetTrackingID(ctx context.Context, emailID, trackingID string) (string, error) {
	query := `
		UPDATE scheduled_emails
		SET tracking_id = $1, updated_at = NOW()
		WHERE email_id = $2 AND tracking_id IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, trackingID, emailID)
	if err != nil {
		return "", fmt.Errorf("set tracking id: %w", err)
	}
	if result.RowsAffected() > 0 {
		return trackingID, nil
	}

	// Row already carries an id; read it back.
	var existing *string
	err = r.db.Pool().QueryRow(ctx,
		`SELECT tracking_id FROM scheduled_emails WHERE email_id = $1`, emailID,
	).Scan(&existing)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrNotFound, emailID)
	}
	if err != nil {
		return "", fmt.Errorf("read tracking id: %w", err)
	}
	if existing == nil {
		return "", fmt.Errorf("tracking id not set for %s", emailID)
	}

	return *existing, nil
}

// CancelEmail cancels a single scheduled email. Only pending rows are
// cancellable; a row already sending completes its in-flight attempt.
// Returns true if the row was cancelled, ErrNotFound if no row exists.
func (r *Repository) CancelEmail(ctx context.Context, emailID string) (bool, error) {
	query := `
		UPDATE scheduled_emails
		SET status = 'cancelled', updated_at = NOW()
		WHERE email_id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, emailID)
	if err != nil {
		return false, fmt.Errorf("cancel email: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows updated is either a missing email or one past the point of
	// cancellation; the caller answers those differently.
	var exists bool
	existsQuery := `SELECT EXISTS (SELECT 1 FROM scheduled_emails WHERE email_id = $1)`
	if err := r.db.Pool().QueryRow(ctx, existsQuery, emailID).Scan(&exists); err != nil {
		return false, fmt.Errorf("cancel email lookup: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}

	return false, nil
}

// CancelCampaign cancels every pending row in a campaign and returns the count.
func (r *Repository) CancelCampaign(ctx context.Context, campaign string) (int, error) {
	query := `
		UPDATE scheduled_emails
		SET status = 'cancelled', updated_at = NOW()
		WHERE campaign = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, campaign)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign: %w", err)
	}

	cancelled := int(result.RowsAffected())
	r.logger.Info("campaign cancelled",
		zap.String("campaign", campaign),
		zap.Int("cancelled", cancelled),
	)

	return cancelled, nil
}

// ReclaimStaleSending returns rows stuck in sending since before the cutoff
// to pending. A crash mid-send leaves a sending row behind; treating it as
// retry-eligible is the at-least-once tradeoff: assuming the send happened
// instead would risk silent loss.
func (r *Repository) ReclaimStaleSending(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE scheduled_emails
		SET status = 'pending', dispatch_started_at = NULL, updated_at = NOW()
		WHERE status = 'sending' AND dispatch_started_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale sending: %w", err)
	}

	reclaimed := int(result.RowsAffected())
	if reclaimed > 0 {
		r.logger.Warn("reclaimed stale sending rows",
			zap.Int("count", reclaimed),
			zap.Time("older_than", olderThan),
		)
	}

	return reclaimed, nil
}

// GetCampaignCounts returns per-status counts for a campaign.
func (r *Repository) GetCampaignCounts(ctx context.Context, campaign string) (*CampaignCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			MIN(scheduled_at) FILTER (WHERE status = 'pending' AND scheduled_at > NOW())
		FROM scheduled_emails
		WHERE campaign = $1
	`

	counts := CampaignCounts{Campaign: campaign}
	err := r.db.Pool().QueryRow(ctx, query, campaign).Scan(
		&counts.Total,
		&counts.Pending,
		&counts.Sending,
		&counts.Sent,
		&counts.Failed,
		&counts.Cancelled,
		&counts.NextScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("query campaign counts: %w", err)
	}

	return &counts, nil
}

// ListCampaignEmails retrieves scheduled emails for a campaign with pagination
func (r *Repository) ListCampaignEmails(ctx context.Context, campaign string, limit, offset int) ([]*ScheduledEmail, error) {
	query := `
		SELECT ` + scheduledEmailColumns + `
		FROM scheduled_emails
		WHERE campaign = $1
		ORDER BY scheduled_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, campaign, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaign emails: %w", err)
	}
	defer rows.Close()

	var emails []*ScheduledEmail
	for rows.Next() {
		e, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled email: %w", err)
		}
		emails = append(emails, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}
