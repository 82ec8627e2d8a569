package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"storefront-service/config"
	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMailerSend(t *testing.T) {
	var got relayRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewRelayMailer(srv.URL, "key-123", "Shop <noreply@shop.test>")
	err := m.Send(context.Background(), Message{To: []string{"a@shop.test"}, Subject: "hi", Text: "body"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-123", auth)
	assert.Equal(t, []string{"a@shop.test"}, got.To)
	assert.Equal(t, "Shop <noreply@shop.test>", got.From)
	assert.Equal(t, "body", got.Text)
}

func TestRelayMailerSurfacesRelayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewRelayMailer(srv.URL, "k", "f@shop.test").Send(context.Background(), Message{To: []string{"a@shop.test"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSMTPMailerBuildsMessage(t *testing.T) {
	m := NewSMTPMailer("smtp.shop.test", 587, "user", "pass", "Shop <noreply@shop.test>")

	var addr, from string
	var to []string
	var raw []byte
	m.sendMail = func(a string, _ smtp.Auth, f string, t []string, msg []byte) error {
		addr, from, to, raw = a, f, t, msg
		return nil
	}

	err := m.Send(context.Background(), Message{To: []string{"a@shop.test", "b@shop.test"}, Subject: "Alert", Text: "body"})
	require.NoError(t, err)

	assert.Equal(t, "smtp.shop.test:587", addr)
	assert.Equal(t, "noreply@shop.test", from)
	assert.Equal(t, []string{"a@shop.test", "b@shop.test"}, to)
	assert.True(t, strings.HasPrefix(string(raw), "From: Shop <noreply@shop.test>\r\n"))
	assert.Contains(t, string(raw), "To: a@shop.test, b@shop.test\r\n")
	assert.Contains(t, string(raw), "Subject: Alert\r\n")
	assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\nbody"))
}

func TestSMTPMailerReturnsSendError(t *testing.T) {
	m := NewSMTPMailer("smtp.shop.test", 587, "", "", "noreply@shop.test")
	m.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	assert.Error(t, m.Send(context.Background(), Message{To: []string{"a@shop.test"}}))
}

func TestNewPicksDriver(t *testing.T) {
	assert.IsType(t, &SMTPMailer{}, New(&config.MailConfig{Driver: "smtp"}))
	assert.IsType(t, &RelayMailer{}, New(&config.MailConfig{Driver: "http"}))
}

func TestLoginCodeMessage(t *testing.T) {
	msg := LoginCodeMessage("Shop", "a@shop.test", "004213", 10*time.Minute)
	assert.Equal(t, []string{"a@shop.test"}, msg.To)
	assert.Contains(t, msg.Text, "Login Code: 004213")
	assert.Contains(t, msg.Text, "10 minutes")
}

func TestFraudAlertMessage(t *testing.T) {
	user := uuid.New()
	order := int64(12)
	msg := FraudAlertMessage("Shop", []string{"sec@shop.test"}, models.FlagAlert{
		FlagID:      3,
		FlagType:    models.FlagTypeVelocity,
		Severity:    models.SeverityHigh,
		Description: "User placed 4 orders within 1 hour",
		UserID:      &user,
		OrderID:     &order,
		Metadata:    map[string]interface{}{"order_count": 4},
	})

	assert.Equal(t, "[Shop] Fraud alert: velocity (high)", msg.Subject)
	assert.Contains(t, msg.Text, user.String())
	assert.Contains(t, msg.Text, "Order:       12")
	assert.Contains(t, msg.Text, "order_count: 4")
}
