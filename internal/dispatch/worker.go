// Package dispatch runs the delivery loop: it polls the schedule for due
// emails, claims them so concurrent dispatchers never double-send, pushes
// them through the transport, and records the outcome with retry backoff.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/tracking"
	"github.com/courierhq/courier/internal/transport"
)

// Store is the slice of the persistence layer the dispatch loop needs.
type Store interface {
	ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledEmail, error)
	MarkSent(ctx context.Context, emailID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, emailID string, attempt int, lastError string) error
	ScheduleRetry(ctx context.Context, emailID string, attempt int, lastError string, nextRetryAt time.Time) error
	SetTrackingID(ctx context.Context, emailID, trackingID string) (string, error)
	ReclaimStaleSending(ctx context.Context, olderThan time.Time) (int, error)
	CountDuePending(ctx context.Context, now time.Time) (int, error)
}

// Limiter caps outbound throughput across all dispatcher instances.
type Limiter interface {
	Reserve(ctx context.Context, key string) (*redis.SendWindowResult, error)
}

// Tracker notifies the open-tracking service about sends.
type Tracker interface {
	BaseURL() string
	RecordSent(ctx context.Context, trackingID, campaign, username, recipientEmail string, sentAt time.Time)
}

// Config tunes the dispatch loop.
type Config struct {
	PollInterval time.Duration
	ClaimLimit   int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	StaleAfter   time.Duration
}

// Worker polls for due emails and delivers them.
type Worker struct {
	store     Store
	transport transport.Transport
	limiter   Limiter
	tracker   Tracker
	config    Config
	logger    *zap.Logger

	now func() time.Time
}

// New creates a dispatch worker. limiter and tracker may be nil, which
// disables the send window and open tracking respectively.
func New(store Store, tr transport.Transport, limiter Limiter, tracker Tracker, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ClaimLimit == 0 {
		cfg.ClaimLimit = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Worker{
		store:     store,
		transport: tr,
		limiter:   limiter,
		tracker:   tracker,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("dispatch worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("claim_limit", w.config.ClaimLimit),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick performs one poll cycle: recover abandoned claims, claim what is
// due, and deliver each claimed email.
func (w *Worker) Tick(ctx context.Context) {
	now := w.now()

	reclaimed, err := w.store.ReclaimStaleSending(ctx, now.Add(-w.config.StaleAfter))
	if err != nil {
		w.logger.Error("failed to reclaim stale emails", zap.Error(err))
	} else if reclaimed > 0 {
		metrics.RecordStaleReclaimed(reclaimed)
		w.logger.Warn("reclaimed emails abandoned by a previous dispatcher",
			zap.Int("count", reclaimed),
		)
	}

	if backlog, err := w.store.CountDuePending(ctx, now); err != nil {
		w.logger.Warn("failed to sample due backlog", zap.Error(err))
	} else {
		metrics.SetDueBacklog(backlog)
	}

	claimed, err := w.store.ClaimDueEmails(ctx, now, w.config.ClaimLimit)
	if err != nil {
		w.logger.Error("failed to claim due emails", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	w.logger.Debug("claimed due emails", zap.Int("count", len(claimed)))

	for _, email := range claimed {
		if ctx.Err() != nil {
			// Shutdown mid-batch. Unprocessed claims come back via the
			// stale-sending reclaim on the next dispatcher.
			return
		}
		w.process(ctx, email)
	}
}

func (w *Worker) process(ctx context.Context, email *db.ScheduledEmail) {
	if w.limiter != nil {
		res, err := w.limiter.Reserve(ctx, w.transport.Name())
		if err != nil {
			w.logger.Error("send window check failed, deferring email",
				zap.String("email_id", email.EmailID),
				zap.Error(err),
			)
			w.pushBack(ctx, email, "send window check failed: "+err.Error())
			return
		}
		if !res.Allowed {
			metrics.RecordSendWindowDeferral()
			w.pushBack(ctx, email, "send window exhausted")
			return
		}
	}

	msg := &transport.Message{
		To:      email.RecipientEmail,
		Subject: email.Subject,
		Body:    w.withTracking(ctx, email),
	}
	if email.AttachmentPath != nil {
		msg.AttachmentPath = *email.AttachmentPath
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	started := w.now()
	err := w.transport.Send(sendCtx, msg)
	cancel()
	metrics.RecordSendDuration(w.transport.Name(), time.Since(started))

	if err == nil {
		w.succeed(ctx, email)
		return
	}
	w.fail(ctx, email, err)
}

// withTracking mints the email's tracking ID and injects the open pixel.
// The ID is persisted before the send so a crash between send and record
// never orphans a pixel that is already in someone's inbox.
func (w *Worker) withTracking(ctx context.Context, email *db.ScheduledEmail) string {
	if w.tracker == nil || w.tracker.BaseURL() == "" {
		return email.Body
	}

	id, err := w.store.SetTrackingID(ctx, email.EmailID, tracking.MintID(email.Campaign, email.Username, w.now()))
	if err != nil {
		w.logger.Error("failed to persist tracking id, sending without pixel",
			zap.String("email_id", email.EmailID),
			zap.Error(err),
		)
		return email.Body
	}
	email.TrackingID = &id

	return tracking.InjectPixel(email.Body, w.tracker.BaseURL(), id, email.Campaign, email.Username, email.RecipientEmail)
}

func (w *Worker) succeed(ctx context.Context, email *db.ScheduledEmail) {
	sentAt := w.now()
	if err := w.store.MarkSent(ctx, email.EmailID, sentAt); err != nil {
		w.logger.Error("send succeeded but status update failed",
			zap.String("email_id", email.EmailID),
			zap.Error(err),
		)
		return
	}

	metrics.RecordDispatchAttempt("sent")
	w.logger.Info("email sent",
		zap.String("email_id", email.EmailID),
		zap.String("campaign", email.Campaign),
		zap.String("recipient", email.RecipientEmail),
	)

	if w.tracker != nil && email.TrackingID != nil {
		w.tracker.RecordSent(ctx, *email.TrackingID, email.Campaign, email.Username, email.RecipientEmail, sentAt)
	}
}

func (w *Worker) fail(ctx context.Context, email *db.ScheduledEmail, sendErr error) {
	attempt := email.AttemptCount + 1
	kind := "transient"
	if transport.IsPermanent(sendErr) {
		kind = "permanent"
	}
	metrics.RecordTransportFailure(w.transport.Name(), kind)

	w.logger.Error("send failed",
		zap.String("email_id", email.EmailID),
		zap.String("kind", kind),
		zap.Int("attempt", attempt),
		zap.Error(sendErr),
	)

	if kind == "permanent" || attempt >= w.config.MaxAttempts {
		if err := w.store.MarkFailed(ctx, email.EmailID, attempt, sendErr.Error()); err != nil {
			w.logger.Error("failed to mark email failed",
				zap.String("email_id", email.EmailID),
				zap.Error(err),
			)
		}
		metrics.RecordDispatchAttempt("failed")
		return
	}

	nextRetry := w.now().Add(w.backoff(attempt))
	if err := w.store.ScheduleRetry(ctx, email.EmailID, attempt, sendErr.Error(), nextRetry); err != nil {
		w.logger.Error("failed to schedule retry",
			zap.String("email_id", email.EmailID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDispatchAttempt("retried")
}

// pushBack puts a claimed email back without consuming an attempt. Used when
// the email never reached the transport.
func (w *Worker) pushBack(ctx context.Context, email *db.ScheduledEmail, reason string) {
	retryAt := w.now().Add(w.config.PollInterval)
	if err := w.store.ScheduleRetry(ctx, email.EmailID, email.AttemptCount, reason, retryAt); err != nil {
		w.logger.Error("failed to defer email",
			zap.String("email_id", email.EmailID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDispatchAttempt("deferred")
}

// backoff returns the retry delay after the given attempt number,
// doubling from BackoffBase and capped at BackoffMax.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.config.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.config.BackoffMax {
			return w.config.BackoffMax
		}
	}
	if d > w.config.BackoffMax {
		return w.config.BackoffMax
	}
	return d
}
