package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"golang.org/x/time/rate"
)

// Defaults for the Cloud API sender.
const (
	DefaultGraphBase   = "https://graph.facebook.com/v21.0"
	DefaultSendRate    = rate.Limit(20)
	DefaultSendBurst   = 20
	DefaultSendTimeout = 15 * time.Second
)

type textPayload struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             textField `json:"text"`
}

type textField struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// CloudAPISender posts text messages to the WhatsApp Cloud API. Sends are
// throttled per phone-number id.
type CloudAPISender struct {
	base  string
	http  *http.Client
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Sender = (*CloudAPISender)(nil)

// CloudOption configures a CloudAPISender.
type CloudOption func(*CloudAPISender)

// WithGraphBase overrides the Graph API base URL.
func WithGraphBase(base string) CloudOption {
	return func(s *CloudAPISender) {
		if base != "" {
			s.base = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) CloudOption {
	return func(s *CloudAPISender) { s.http = hc }
}

// WithSendRate sets the per phone-number id send rate.
func WithSendRate(limit rate.Limit, burst int) CloudOption {
	return func(s *CloudAPISender) {
		s.limit = limit
		s.burst = burst
	}
}

// NewCloudAPISender creates a CloudAPISender.
func NewCloudAPISender(opts ...CloudOption) *CloudAPISender {
	s := &CloudAPISender{
		base:     DefaultGraphBase,
		http:     &http.Client{Timeout: DefaultSendTimeout},
		limit:    DefaultSendRate,
		burst:    DefaultSendBurst,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CloudAPISender) limiter(phoneNumberID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[phoneNumberID]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[phoneNumberID] = l
	}
	return l
}

// SendText posts a text message from the channel's phone-number id to to.
func (s *CloudAPISender) SendText(ctx context.Context, ch Channel, to, body string) error {
	const op = "CloudAPISender.SendText"
	if !ch.Complete() {
		return models.NewError(models.KindMisconfiguredTenant, op, ErrNoChannel)
	}
	recipient := util.NormalizePhone(to)
	if recipient == "" {
		return models.Errorf(models.KindValidation, op, "invalid recipient %q", to)
	}
	if err := s.limiter(ch.PhoneNumberID).Wait(ctx); err != nil {
		return models.NewError(models.KindTimeout, op, fmt.Errorf("send throttled: %w", err))
	}

	payload, err := json.Marshal(textPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             textField{Body: body},
	})
	if err != nil {
		return models.NewError(models.KindInternal, op, err)
	}
	url := fmt.Sprintf("%s/%s/messages", s.base, ch.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return models.NewError(models.KindTransport, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+ch.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Warn("CloudAPISender.SendText: request failed", "phone_number_id", ch.PhoneNumberID, "to", recipient, "error", err)
		return models.NewError(models.KindTransport, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("CloudAPISender.SendText: rejected", "phone_number_id", ch.PhoneNumberID, "to", recipient,
			"status", resp.StatusCode, "body", string(detail))
		return &models.Error{Kind: models.KindTransport, Op: op, Code: resp.StatusCode,
			Err: fmt.Errorf("cloud api returned HTTP %d", resp.StatusCode)}
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("CloudAPISender.SendText: sent", "phone_number_id", ch.PhoneNumberID, "to", recipient, "length", len(body))
	return nil
}
