package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"fleetconsole/internal/config"
)

// Sender delivers an encoded message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPSender sends over SMTP with PLAIN auth, implicit TLS when UseSSL is set.
type SMTPSender struct {
	Server   config.ServerConfig
	Username string
	Password string
}

func (s SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	host := strings.TrimSpace(s.Server.Server)
	if host == "" || s.Server.Port <= 0 {
		return errors.New("smtp server is not configured")
	}
	addr := fmt.Sprintf("%s:%d", host, s.Server.Port)
	dialer := &net.Dialer{Timeout: 15 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if s.Server.UseSSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp client failed: %w", err)
	}
	defer func() { _ = c.Quit() }()

	if !s.Server.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("smtp starttls failed: %w", err)
			}
		}
	}
	if s.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close failed: %w", err)
	}
	return nil
}

type MailerOptions struct {
	Config config.NotifyConfig
	// Sender defaults to an SMTPSender built from Config.
	Sender Sender
	Now    func() time.Time
	Logf   func(format string, args ...any)
}

// Mailer sends approval notifications.
type Mailer struct {
	cfg    config.NotifyConfig
	sender Sender
	now    func() time.Time
	logf   func(format string, args ...any)
}

func NewMailer(opts MailerOptions) *Mailer {
	sender := opts.Sender
	if sender == nil {
		sender = SMTPSender{
			Server:   opts.Config.SMTP,
			Username: strings.TrimSpace(opts.Config.EmailAddress),
			Password: strings.TrimSpace(opts.Config.AuthorizationCode),
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Mailer{cfg: opts.Config, sender: sender, now: now, logf: logf}
}

// Send renders and delivers one notification to the configured recipients.
func (m *Mailer) Send(ctx context.Context, subject, markdown string) error {
	from := strings.TrimSpace(m.cfg.EmailAddress)
	to := m.cfg.Recipients()
	msg, err := BuildMessage(Outgoing{
		From:     from,
		To:       to,
		Subject:  subject,
		Markdown: markdown,
		Date:     m.now(),
	})
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, from, to, msg); err != nil {
		return err
	}
	m.logf("sent %q to %s", subject, strings.Join(to, ", "))
	return nil
}
