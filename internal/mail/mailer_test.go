package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
)

// MockTransport records sends and can be told to fail
type MockTransport struct {
	mu        sync.Mutex
	sent      []Message
	sendErr   error
	verifyErr error
	verifies  int
	block     bool
}

func (m *MockTransport) Send(ctx context.Context, msg Message) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockTransport) Verify(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
	return m.verifyErr
}

// MockSettingsSource serves a fixed settings row
type MockSettingsSource struct {
	mu    sync.Mutex
	row   *db.MailSettings
	err   error
	calls int
}

func (m *MockSettingsSource) ActiveMailSettings(ctx context.Context) (*db.MailSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.row == nil {
		return nil, db.ErrNoMailSettings
	}
	cp := *m.row
	return &cp, nil
}

func (m *MockSettingsSource) set(row *db.MailSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row = row
}

func newTestMailer(source SettingsSource, transport *MockTransport, override Settings) (*Mailer, *int) {
	builds := 0
	factory := func(Settings) (Transport, error) {
		builds++
		return transport, nil
	}
	m := NewMailer(source, factory, MailerConfig{Backend: "mock", Override: override}, zap.NewNop())
	return m, &builds
}

func TestMailer_SendsWithResolvedSettings(t *testing.T) {
	source := &MockSettingsSource{row: &db.MailSettings{Host: "smtp.example.org", Port: 587, FromAddress: "events@example.org"}}
	transport := &MockTransport{}
	m, _ := newTestMailer(source, transport, Settings{})

	err := m.Send(context.Background(), Message{To: "member@example.org", Subject: "Hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(transport.sent) != 1 || transport.sent[0].To != "member@example.org" {
		t.Fatalf("unexpected sends: %+v", transport.sent)
	}
}

func TestMailer_TestModeRedirects(t *testing.T) {
	source := &MockSettingsSource{row: &db.MailSettings{
		FromAddress: "events@example.org",
		TestMode:    true,
		TestAddress: "qa@example.org",
	}}
	transport := &MockTransport{}
	m, _ := newTestMailer(source, transport, Settings{})

	_ = m.Send(context.Background(), Message{To: "member@example.org", ToName: "Member", Subject: "Hello"})

	if transport.sent[0].To != "qa@example.org" || transport.sent[0].ToName != "" {
		t.Errorf("expected redirect to test address, got %+v", transport.sent[0])
	}
}

func TestMailer_EnvironmentOverride(t *testing.T) {
	transport := &MockTransport{}
	var got Settings
	factory := func(s Settings) (Transport, error) {
		got = s
		return transport, nil
	}
	source := &MockSettingsSource{row: &db.MailSettings{Host: "db-host", Port: 25, FromAddress: "db@example.org"}}
	m := NewMailer(source, factory, MailerConfig{Override: Settings{Host: "env-host", FromName: "Events"}}, zap.NewNop())

	if err := m.Send(context.Background(), Message{To: "a@example.org"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got.Host != "env-host" || got.Port != 25 || got.FromAddress != "db@example.org" || got.FromName != "Events" {
		t.Errorf("unexpected merged settings: %+v", got)
	}
}

func TestMailer_VerifiesOncePerSettingsVersion(t *testing.T) {
	source := &MockSettingsSource{row: &db.MailSettings{Host: "h1", FromAddress: "a@example.org"}}
	transport := &MockTransport{}
	m, builds := newTestMailer(source, transport, Settings{})

	clock := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		_ = m.Send(context.Background(), Message{To: "x@example.org"})
	}
	if transport.verifies != 1 || *builds != 1 {
		t.Fatalf("expected 1 verify and 1 build, got %d/%d", transport.verifies, *builds)
	}
	if source.calls != 1 {
		t.Errorf("settings should be cached within the ttl, read %d times", source.calls)
	}

	// Same settings after the ttl: re-read, but no rebuild
	clock = clock.Add(2 * time.Minute)
	_ = m.Send(context.Background(), Message{To: "x@example.org"})
	if transport.verifies != 1 || *builds != 1 {
		t.Errorf("unchanged settings must not re-verify, got %d/%d", transport.verifies, *builds)
	}

	// Changed settings: rebuild and verify again
	source.set(&db.MailSettings{Host: "h2", FromAddress: "a@example.org"})
	clock = clock.Add(2 * time.Minute)
	_ = m.Send(context.Background(), Message{To: "x@example.org"})
	if transport.verifies != 2 || *builds != 2 {
		t.Errorf("changed settings should re-verify, got %d/%d", transport.verifies, *builds)
	}
}

func TestMailer_VerifyFailureIsRetriedNextSend(t *testing.T) {
	source := &MockSettingsSource{row: &db.MailSettings{Host: "h", FromAddress: "a@example.org"}}
	transport := &MockTransport{verifyErr: errors.New("auth failed")}
	m, _ := newTestMailer(source, transport, Settings{})

	err := m.Send(context.Background(), Message{To: "x@example.org"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatal("nothing should be sent before verification succeeds")
	}

	transport.verifyErr = nil
	if err := m.Send(context.Background(), Message{To: "x@example.org"}); err != nil {
		t.Fatalf("send after recovery failed: %v", err)
	}
	if transport.verifies != 2 {
		t.Errorf("expected verify to run again, got %d", transport.verifies)
	}
}

func TestMailer_SendErrorsAreTransportErrors(t *testing.T) {
	source := &MockSettingsSource{row: &db.MailSettings{FromAddress: "a@example.org"}}
	transport := &MockTransport{sendErr: errors.New("451 try later")}
	m, _ := newTestMailer(source, transport, Settings{})

	err := m.Send(context.Background(), Message{To: "x@example.org"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if te.Backend != "mock" || te.Op != "send" {
		t.Errorf("unexpected error fields: %+v", te)
	}
}

func TestMailer_NoSettingsAnywhere(t *testing.T) {
	m, _ := newTestMailer(&MockSettingsSource{}, &MockTransport{}, Settings{})

	if err := m.Send(context.Background(), Message{To: "x@example.org"}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport when no sender is configured, got %v", err)
	}
}

func TestMailer_SendIsBounded(t *testing.T) {
	transport := &MockTransport{block: true}
	factory := func(Settings) (Transport, error) { return transport, nil }
	m := NewMailer(nil, factory, MailerConfig{
		Override:    Settings{FromAddress: "a@example.org"},
		SendTimeout: 20 * time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	err := m.Send(context.Background(), Message{To: "x@example.org"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("send was not bounded by the timeout")
	}
}

func TestResolve_TestModeWithoutAddress(t *testing.T) {
	_, err := Resolve(context.Background(), nil, Settings{FromAddress: "a@example.org", TestMode: true})
	if err == nil {
		t.Fatal("expected error for test mode without address")
	}
}
