package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/mail"
)

// ProtectedTransport wraps a mail.Transport with a CircuitBreaker. While the
// circuit is open Send returns ErrCircuitOpen without touching the backend.
type ProtectedTransport struct {
	transport mail.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps transport with circuit breaker protection.
func NewProtectedTransport(transport mail.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// Send delivers msg through the breaker.
func (p *ProtectedTransport) Send(ctx context.Context, msg mail.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.transport.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for health reporting.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
