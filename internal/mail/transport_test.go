package mail

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"
)

type mockSES struct {
	input   *ses.SendEmailInput
	sendErr error
	quota   float64
}

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.input = params
	return &ses.SendEmailOutput{MessageId: aws.String("msg-123")}, nil
}

func (m *mockSES) GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error) {
	return &ses.GetSendQuotaOutput{Max24HourSend: m.quota}, nil
}

func TestSESTransport_Send(t *testing.T) {
	client := &mockSES{}
	tr, err := NewSESTransport(client, Settings{FromAddress: "events@example.org", FromName: "Events"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	err = tr.Send(context.Background(), Message{To: "member@example.org", Subject: "Hi", HTML: "<p>Hi</p>", Text: "Hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got := aws.ToString(client.input.Source); got != `"Events" <events@example.org>` {
		t.Errorf("unexpected source %q", got)
	}
	body := client.input.Message.Body
	if body.Html == nil || body.Text == nil {
		t.Fatal("expected both html and text bodies")
	}
}

func TestSESTransport_SendError(t *testing.T) {
	client := &mockSES{sendErr: errors.New("throttled")}
	tr, _ := NewSESTransport(client, Settings{FromAddress: "events@example.org"}, zap.NewNop())

	if err := tr.Send(context.Background(), Message{To: "x@example.org"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSESTransport_Verify(t *testing.T) {
	tr, _ := NewSESTransport(&mockSES{quota: 0}, Settings{FromAddress: "e@example.org"}, zap.NewNop())
	if err := tr.Verify(context.Background()); err == nil {
		t.Error("expected sandboxed account with no quota to fail verification")
	}

	tr, _ = NewSESTransport(&mockSES{quota: 200}, Settings{FromAddress: "e@example.org"}, zap.NewNop())
	if err := tr.Verify(context.Background()); err != nil {
		t.Errorf("verify failed: %v", err)
	}
}

func TestSMTPTransport_RequiresHost(t *testing.T) {
	if _, err := NewSMTPTransport(Settings{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without host")
	}
}

func TestSMTPTransport_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	tr, _ := NewSMTPTransport(Settings{Host: "127.0.0.1", Port: addr.Port, FromAddress: "a@example.org"}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Send(ctx, Message{To: "b@example.org", Text: "hi"}); err == nil {
		t.Fatal("expected connection error")
	}
	if err := tr.Verify(ctx); err == nil {
		t.Fatal("expected verify to fail")
	}
}

func TestBuildMIME(t *testing.T) {
	settings := Settings{FromAddress: "events@example.org", FromName: "Events Team"}
	msg := Message{To: "member@example.org", ToName: "Jane", Subject: "Reminder: Café night", HTML: "<p>Hi</p>", Text: "Hi"}

	raw, err := buildMIME(settings, msg, time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	out := string(raw)

	for _, want := range []string{
		`From: "Events Team" <events@example.org>`,
		`To: "Jane" <member@example.org>`,
		"Subject: =?utf-8?q?",
		"MIME-Version: 1.0",
		"multipart/alternative",
		"text/plain; charset=utf-8",
		"text/html; charset=utf-8",
		"@example.org>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := NewFactory("pigeon", nil, zap.NewNop()); err == nil {
		t.Error("expected unknown backend error")
	}
	if _, err := NewFactory(BackendSES, nil, zap.NewNop()); err == nil {
		t.Error("expected ses without client to fail")
	}

	f, err := NewFactory(BackendLog, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("log factory: %v", err)
	}
	tr, _ := f(Settings{})
	if err := tr.Send(context.Background(), Message{To: "x@example.org"}); err != nil {
		t.Errorf("log transport failed: %v", err)
	}
}
