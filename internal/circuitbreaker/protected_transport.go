package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/transport"
)

// ProtectedTransport wraps a transport.Transport with circuit breaker
// protection. When the circuit is open, Send fails fast with a transient
// error so the caller can retry later or fail over to another provider.
//
// Permanent delivery errors (bad recipient, rejected content) do not count
// against the circuit: they say nothing about provider health.
type ProtectedTransport struct {
	inner   transport.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedTransport wraps the given transport with a circuit breaker.
func NewProtectedTransport(inner transport.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers the message through the wrapped transport if the circuit
// allows it. A rejected request is reported as transient so the email stays
// eligible for retry once the provider recovers.
func (p *ProtectedTransport) Send(ctx context.Context, msg *transport.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("send rejected by circuit breaker",
			zap.String("transport", p.inner.Name()),
			zap.String("recipient", msg.To),
		)
		return transport.Transientf(ErrCircuitOpen, "%s unavailable", p.inner.Name())
	}

	err := p.inner.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case transport.IsPermanent(err):
		// The provider answered; the message itself is the problem.
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}

	return err
}

// Name reports the wrapped transport's name.
func (p *ProtectedTransport) Name() string {
	return p.inner.Name()
}

// Breaker exposes the underlying circuit breaker for stats endpoints.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
