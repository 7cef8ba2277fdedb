package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Addr     string `mapstructure:"addr"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends email through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send sendMailFunc
}

// NewSMTPMailer returns a mailer for cfg. PLAIN auth is used when a username is set.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	m := &SMTPMailer{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		host := cfg.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return m
}

// Notify sends msg as a plain-text email. smtp.SendMail has no context, so a
// cancelled ctx abandons the wait but not the underlying dial.
func (m *SMTPMailer) Notify(ctx context.Context, msg Message) (*Receipt, error) {
	if m.cfg.Addr == "" {
		return nil, deliveryError("smtp", msg, fmt.Errorf("smtp addr not configured"))
	}
	if strings.ContainsAny(msg.Recipient, "\r\n") || strings.ContainsAny(msg.Title, "\r\n") {
		return nil, deliveryError("smtp", msg, fmt.Errorf("header injection in recipient or subject"))
	}

	id := fmt.Sprintf("<%s@calflow>", uuid.NewString())
	raw := buildMessage(m.cfg.From, msg, id)

	done := make(chan error, 1)
	go func() { done <- m.send(m.cfg.Addr, m.auth, m.cfg.From, []string{msg.Recipient}, raw) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, deliveryError("smtp", msg, err)
		}
		return receipt("smtp", msg, id), nil
	case <-ctx.Done():
		return nil, deliveryError("smtp", msg, ctx.Err())
	}
}

func buildMessage(from string, msg Message, id string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
