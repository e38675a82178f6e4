package transport

import (
	"context"

	"go.uber.org/zap"
)

// Failover composes a primary and a fallback transport. Selection is driven
// by classifying the primary's failure, not by branching in the dispatch
// loop: permanent failures never fail over (a bad address is bad on every
// provider), transient failures and an open circuit on the primary do.
type Failover struct {
	primary  Transport
	fallback Transport
	logger   *zap.Logger
}

// NewFailover wraps primary and fallback. fallback may be nil, in which case
// the primary's error is returned as-is.
func NewFailover(primary, fallback Transport, logger *zap.Logger) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *Failover) Name() string { return "failover" }

func (f *Failover) Send(ctx context.Context, msg *Message) error {
	err := f.primary.Send(ctx, msg)
	if err == nil {
		return nil
	}

	if IsPermanent(err) || f.fallback == nil {
		return err
	}

	f.logger.Warn("primary transport failed, trying fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.String("to", msg.To),
		zap.Error(err),
	)

	fbErr := f.fallback.Send(ctx, msg)
	if fbErr == nil {
		return nil
	}

	// A permanent verdict from the fallback may only reflect its own
	// capability gap (e.g. attachments); the primary's transient failure
	// stays authoritative so the send remains retry-eligible.
	if IsPermanent(fbErr) && !IsPermanent(err) {
		return err
	}

	return fbErr
}
