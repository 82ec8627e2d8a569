// Package mpesa is a client for the Daraja STK push API and its result callback.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"storefront-service/config"

	"github.com/shopspring/decimal"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

var (
	// ErrInvalidPhone is returned when a number cannot be put in 254XXXXXXXXX form.
	ErrInvalidPhone = errors.New("invalid phone number")

	canonicalPhone = regexp.MustCompile(`^254\d{9}$`)
	nonDigits      = regexp.MustCompile(`\D`)
)

// ProviderError is a failure reported by the provider itself.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa error (HTTP %d): %s", e.Status, e.Message)
}

type Client struct {
	cfg  config.MpesaConfig
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg config.MpesaConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		now:  time.Now,
	}
}

// NormalizePhone turns 07XXXXXXXX, 7XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// similar inputs into 254XXXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(digits, "254"):
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = "254" + digits[1:]
	case len(digits) == 9 && (digits[0] == '7' || digits[0] == '1'):
		digits = "254" + digits
	}

	if !canonicalPhone.MatchString(digits) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return digits, nil
}

// Timestamp formats t the way the password and request expect.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken exchanges the consumer credentials for a bearer token and
// caches it until shortly before it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode mpesa token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &ProviderError{Status: resp.StatusCode, Message: "empty access token"}
	}

	ttl := time.Hour
	if secs, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil && secs > time.Minute {
		ttl = secs
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

// STKPushRequest asks the customer's handset to approve a payment.
type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	TransactionDesc  string
}

// STKPushResponse is the synchronous acknowledgement; the result arrives on the callback.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush submits a CustomerPayBillOnline request. The phone must already be
// normalized. Fractional amounts are rounded up; the API takes whole units.
func (c *Client) STKPush(ctx context.Context, r STKPushRequest) (*STKPushResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(c.now())
	payload := stkPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            r.Amount.Ceil().IntPart(),
		PartyA:            r.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       r.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  r.AccountReference,
		TransactionDesc:   r.TransactionDesc,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mpesa stk push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providerError(resp)
	}

	var out STKPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode stk push response: %w", err)
	}
	if out.ResponseCode != "0" {
		return nil, &ProviderError{Status: resp.StatusCode, Code: out.ResponseCode, Message: out.ResponseDescription}
	}
	return &out, nil
}

// providerError reads a Daraja error body: {requestId, errorCode, errorMessage}.
func providerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.ErrorMessage != "" {
		return &ProviderError{Status: resp.StatusCode, Code: body.ErrorCode, Message: body.ErrorMessage}
	}
	return &ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
