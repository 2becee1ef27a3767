package mail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSendTimeout bounds a single delivery attempt
const DefaultSendTimeout = 15 * time.Second

// Factory builds a backend transport for one settings version
type Factory func(Settings) (Transport, error)

// MailerConfig holds Mailer settings
type MailerConfig struct {
	// Backend names the transport for logs and errors
	Backend string
	// Override is merged over the persisted settings row
	Override Settings
	// SendTimeout bounds each Send, including verification
	SendTimeout time.Duration
	// SettingsTTL is how long resolved settings are reused before the
	// source is read again
	SettingsTTL time.Duration
}

// Mailer resolves the active settings, applies the test-mode redirect and
// sends through a transport built for those settings. The transport is
// verified once per settings version, before its first send.
type Mailer struct {
	source  SettingsSource
	factory Factory
	config  MailerConfig
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	settings   Settings
	resolvedAt time.Time
	transport  Transport
	verified   bool
}

// NewMailer creates a Mailer. source may be nil when all settings come
// from the environment.
func NewMailer(source SettingsSource, factory Factory, cfg MailerConfig, logger *zap.Logger) *Mailer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SettingsTTL <= 0 {
		cfg.SettingsTTL = time.Minute
	}
	if cfg.Backend == "" {
		cfg.Backend = "mail"
	}
	return &Mailer{
		source:  source,
		factory: factory,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Send delivers msg once. Errors are *TransportError.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()

	transport, settings, err := m.prepare(ctx)
	if err != nil {
		return transportError(m.config.Backend, "prepare", err)
	}

	if settings.TestMode {
		m.logger.Info("test mode: redirecting email",
			zap.String("original_to", msg.To),
			zap.String("redirect_to", settings.TestAddress),
			zap.String("subject", msg.Subject),
		)
		msg.To = settings.TestAddress
		msg.ToName = ""
	}

	start := m.now()
	if err := transport.Send(ctx, msg); err != nil {
		return transportError(m.config.Backend, "send", err)
	}

	m.logger.Debug("email handed to transport",
		zap.String("backend", m.config.Backend),
		zap.String("to", msg.To),
		zap.Duration("took", m.now().Sub(start)),
	)
	return nil
}

// Verify resolves the current settings and checks the backend without
// sending. It is safe to call at startup.
func (m *Mailer) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()

	if _, _, err := m.prepare(ctx); err != nil {
		return transportError(m.config.Backend, "verify", err)
	}
	return nil
}

func (m *Mailer) prepare(ctx context.Context) (Transport, Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.transport == nil || now.Sub(m.resolvedAt) >= m.config.SettingsTTL {
		settings, err := Resolve(ctx, m.source, m.config.Override)
		if err != nil {
			return nil, Settings{}, err
		}
		m.resolvedAt = now

		if m.transport == nil || settings != m.settings {
			transport, err := m.factory(settings)
			if err != nil {
				return nil, Settings{}, fmt.Errorf("build transport: %w", err)
			}
			if m.transport != nil {
				m.logger.Info("mail settings changed, rebuilding transport",
					zap.String("backend", m.config.Backend),
					zap.String("host", settings.Host),
					zap.Bool("test_mode", settings.TestMode),
				)
			}
			m.settings = settings
			m.transport = transport
			m.verified = false
		}
	}

	if !m.verified {
		if v, ok := m.transport.(Verifier); ok {
			if err := v.Verify(ctx); err != nil {
				return nil, Settings{}, fmt.Errorf("verify transport: %w", err)
			}
			m.logger.Info("mail transport verified",
				zap.String("backend", m.config.Backend),
				zap.String("host", m.settings.Host),
			)
		}
		m.verified = true
	}

	return m.transport, m.settings, nil
}
