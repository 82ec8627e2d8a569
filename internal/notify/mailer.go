// Package notify delivers outbound email through a relay API or SMTP.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"storefront-service/config"
)

// Message is one outbound email
type Message struct {
	To      []string
	Subject string
	Text    string
}

// Mailer sends a message or reports why it could not.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New picks the mailer named by cfg.Driver. Anything but "smtp" gets the relay.
func New(cfg *config.MailConfig) Mailer {
	if cfg.Driver == "smtp" {
		return NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.From)
	}
	return NewRelayMailer(cfg.RelayURL, cfg.RelayAPIKey, cfg.From)
}

// RelayMailer posts messages to an HTTP email API with a bearer key.
type RelayMailer struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

func NewRelayMailer(url, apiKey, from string) *RelayMailer {
	return &RelayMailer{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type relayRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (m *RelayMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(relayRequest{
		From:    m.from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// SMTPMailer sends through an SMTP server with PLAIN auth.
type SMTPMailer struct {
	host     string
	port     int
	user     string
	password string
	from     string
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(host string, port int, user, password, from string) *SMTPMailer {
	return &SMTPMailer{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
		sendMail: smtp.SendMail,
	}
}

// Send ignores ctx; net/smtp has no cancellation.
func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	// RFC 822 headers, CRLF separated, blank line before the body
	lines := []string{
		fmt.Sprintf("From: %s", m.from),
		fmt.Sprintf("To: %s", strings.Join(msg.To, ", ")),
		fmt.Sprintf("Subject: %s", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		msg.Text,
	}

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}

	return m.sendMail(addr, auth, envelopeAddress(m.from), msg.To, []byte(strings.Join(lines, "\r\n")))
}

// envelopeAddress strips a display name: "Name <a@b>" -> "a@b".
func envelopeAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return from
}
