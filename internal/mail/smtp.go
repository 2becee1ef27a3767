package mail

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SMTPTransport sends through an SMTP relay, upgrading with STARTTLS when
// the server offers it. Port 465 uses implicit TLS.
type SMTPTransport struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewSMTPTransport creates a transport for one settings version
func NewSMTPTransport(settings Settings, logger *zap.Logger) (*SMTPTransport, error) {
	if settings.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if settings.Port == 0 {
		settings.Port = 587
	}
	return &SMTPTransport{
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.settings.Host, strconv.Itoa(t.settings.Port))
}

// Verify connects, negotiates TLS and authenticates, then quits
func (t *SMTPTransport) Verify(ctx context.Context) error {
	client, stop, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	if err := client.Noop(); err != nil {
		return fmt.Errorf("smtp noop: %w", err)
	}
	return client.Quit()
}

// Send delivers msg in a single SMTP session
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("smtp: recipient is required")
	}

	body, err := buildMIME(t.settings, msg, t.now())
	if err != nil {
		return err
	}

	client, stop, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	if err := client.Mail(t.settings.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end DATA: %w", err)
	}

	if err := client.Quit(); err != nil {
		t.logger.Debug("smtp quit failed after successful send", zap.Error(err))
	}

	t.logger.Info("email sent via SMTP",
		zap.String("host", t.settings.Host),
		zap.String("to", msg.To),
	)
	return nil
}

// dial opens an authenticated session. The returned stop func detaches the
// context watcher and must be called when done.
func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, func() bool, error) {
	tlsConfig := &tls.Config{ServerName: t.settings.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if t.settings.Port == 465 {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", t.addr())
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", t.addr())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("smtp connect %s: %w", t.addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	client, err := smtp.NewClient(conn, t.settings.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, fmt.Errorf("smtp handshake: %w", err)
	}

	fail := func(err error) (*smtp.Client, func() bool, error) {
		stop()
		client.Close()
		return nil, nil, err
	}

	if t.settings.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fail(fmt.Errorf("smtp starttls: %w", err))
			}
		}
	}

	if t.settings.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return fail(errors.New("smtp: server does not support AUTH"))
		}
		auth := smtp.PlainAuth("", t.settings.Username, t.settings.Password, t.settings.Host)
		if err := client.Auth(auth); err != nil {
			return fail(fmt.Errorf("smtp auth: %w", err))
		}
	}

	return client, stop, nil
}

// buildMIME renders a multipart/alternative message with text and html parts
func buildMIME(settings Settings, msg Message, now time.Time) ([]byte, error) {
	boundary, err := randomBoundary()
	if err != nil {
		return nil, err
	}

	from := netmail.Address{Name: settings.FromName, Address: settings.FromAddress}
	to := netmail.Address{Name: msg.ToName, Address: msg.To}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", boundary, domainOf(settings.FromAddress)))
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	buf.WriteString("\r\n")

	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		header("Content-Type", p.contentType)
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")

		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes(), nil
}

func randomBoundary() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate boundary: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
