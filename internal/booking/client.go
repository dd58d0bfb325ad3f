// Package booking is the client for the salon booking backend's JSON-RPC style API.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
)

// Connection pool bounds shared by every tenant.
const (
	DefaultMaxIdleConns    = 20
	DefaultMaxConnsPerHost = 50
	DefaultRequestTimeout  = 30 * time.Second
	maxResponseBytes       = 4 << 20
)

// Header names required by the backend.
const (
	HeaderAuthKey = "x-book-auth-key"
	HeaderLoginNm = "x-book-login-nm"
)

// Credentials identify the tenant towards the backend.
type Credentials struct {
	AuthKey    string
	CustomerCd string
}

// Envelope is the decoded response. Body holds the complete response document
// with timestamps as the backend sent them.
type Envelope struct {
	Code    ResultCode
	Message string
	Body    json.RawMessage
}

// Client calls the booking backend over a shared connection pool.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewTransport returns the pooled transport used for outbound API calls.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConns,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewClient creates a booking backend client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: NewTransport(), Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call posts body to path on behalf of customerPhone. Transport failures are
// tagged models.KindTransport; a non-zero result code yields the envelope
// together with a models.KindToolDomain error carrying the code and a hint.
func (c *Client) Call(ctx context.Context, creds Credentials, customerPhone, path string, body interface{}) (*Envelope, error) {
	op := "booking.Call " + path
	payload, err := requestBody(creds, body)
	if err != nil {
		return nil, models.NewError(models.KindValidation, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewError(models.KindTransport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAuthKey, creds.AuthKey)
	req.Header.Set(HeaderLoginNm, util.NormalizePhone(customerPhone))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := models.KindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.KindTimeout
		}
		slog.Warn("booking.Call: request failed", "path", path, "error", err, "elapsed", time.Since(start))
		return nil, models.NewError(kind, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.NewError(models.KindTransport, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("booking.Call: unexpected status", "path", path, "status", resp.StatusCode)
		return nil, &models.Error{Kind: models.KindTransport, Op: op, Code: resp.StatusCode,
			Err: fmt.Errorf("booking backend returned HTTP %d", resp.StatusCode)}
	}

	var head struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, models.NewError(models.KindTransport, op, fmt.Errorf("decode response: %w", err))
	}
	if head.Code == nil {
		return nil, models.NewError(models.KindTransport, op, fmt.Errorf("response has no result code"))
	}
	env := &Envelope{Code: ResultCode(*head.Code), Message: head.Message, Body: raw}
	slog.Debug("booking.Call: response", "path", path, "code", env.Code, "elapsed", time.Since(start))
	if !env.Code.OK() {
		return env, &models.Error{
			Kind: models.KindToolDomain,
			Op:   op,
			Code: int(env.Code),
			Hint: env.Code.Hint(),
			Err:  fmt.Errorf("backend result %s: %s", env.Code, head.Message),
		}
	}
	return env, nil
}

// requestBody merges the tenant's customer code into the JSON request object.
func requestBody(creds Credentials, body interface{}) ([]byte, error) {
	fields := map[string]interface{}{}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("request body must be a JSON object: %w", err)
		}
		if fields == nil {
			fields = map[string]interface{}{}
		}
	}
	fields["customerCd"] = creds.CustomerCd
	return json.Marshal(fields)
}

// Retryable reports whether a failed call may be repeated safely for reads.
func Retryable(err error) bool {
	var e *models.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case models.KindTimeout:
		return true
	case models.KindTransport:
		// HTTP 4xx other than 429 will not improve on retry.
		return e.Code == 0 || e.Code == http.StatusTooManyRequests || e.Code >= 500
	}
	return false
}
