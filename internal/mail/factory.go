package mail

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by NewFactory
const (
	BackendSMTP = "smtp"
	BackendSES  = "ses"
	BackendLog  = "log"
)

// NewFactory returns the Factory for backend. sesClient is only used by the
// ses backend and may be nil otherwise.
func NewFactory(backend string, sesClient SESAPI, logger *zap.Logger) (Factory, error) {
	switch backend {
	case BackendSMTP:
		return func(s Settings) (Transport, error) {
			t, err := NewSMTPTransport(s, logger)
			if err != nil {
				return nil, err
			}
			return t, nil
		}, nil
	case BackendSES:
		if sesClient == nil {
			return nil, fmt.Errorf("ses backend requires an SES client")
		}
		return func(s Settings) (Transport, error) {
			t, err := NewSESTransport(sesClient, s, logger)
			if err != nil {
				return nil, err
			}
			return t, nil
		}, nil
	case BackendLog:
		return func(Settings) (Transport, error) {
			return NewLogTransport(logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown mail backend %q", backend)
	}
}
