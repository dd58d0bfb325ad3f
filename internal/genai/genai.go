// Package genai provides chat completions with tool calling against
// OpenAI-compatible endpoints, one API key per tenant.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "gpt-4o-mini"

// ErrNoChoicesReturned is returned when the completion holds no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ChatRequest is one completion request.
type ChatRequest struct {
	APIKey string
	Model  string
	Turns  []models.Turn
	Tools  []models.ToolSpec
}

// ToolCallResponse is the assistant's answer: text, tool calls, or both.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ClientInterface is implemented by LLM backends.
type ClientInterface interface {
	GenerateWithTools(ctx context.Context, req ChatRequest) (*ToolCallResponse, error)
}

// Opts holds client configuration.
type Opts struct {
	BaseURL      string
	HTTPClient   *http.Client
	DefaultModel string
}

// Option configures a Client.
type Option func(*Opts)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the HTTP client shared by all tenants.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = hc }
}

// WithDefaultModel sets the model used when a tenant names none.
func WithDefaultModel(m string) Option {
	return func(o *Opts) {
		if m != "" {
			o.DefaultModel = m
		}
	}
}

// Client talks to the chat completions API. SDK clients are cached per API key.
type Client struct {
	opts Opts

	mu      sync.Mutex
	clients map[string]*openai.Client
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	o := Opts{DefaultModel: DefaultModel}
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("genai.NewClient: configured", "base_url", o.BaseURL, "default_model", o.DefaultModel)
	return &Client{opts: o, clients: make(map[string]*openai.Client)}
}

func (c *Client) sdk(apiKey string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[apiKey]; ok {
		return cli
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are decided by the conversation engine
		option.WithMaxRetries(0),
	}
	if c.opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.opts.BaseURL))
	}
	if c.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.opts.HTTPClient))
	}
	cli := openai.NewClient(reqOpts...)
	c.clients[apiKey] = &cli
	return &cli
}

// GenerateWithTools sends the conversation and tool catalog and returns the
// assistant's reply. Errors are tagged with a models.ErrorKind.
func (c *Client) GenerateWithTools(ctx context.Context, req ChatRequest) (*ToolCallResponse, error) {
	const op = "genai.GenerateWithTools"
	if req.APIKey == "" {
		return nil, models.Errorf(models.KindMisconfiguredTenant, op, "LLM API key not set")
	}
	model := req.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toMessages(req.Turns),
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}

	slog.Debug("genai.GenerateWithTools: request", "model", model, "turns", len(req.Turns), "tools", len(req.Tools))
	resp, err := c.sdk(req.APIKey).Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewError(models.KindTransport, op, ErrNoChoicesReturned)
	}
	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	slog.Debug("genai.GenerateWithTools: response", "model", model,
		"content_length", len(out.Content), "tool_calls", len(out.ToolCalls))
	return out, nil
}

// toMessages converts stored turns to SDK messages. Routing metadata stays local.
func toMessages(turns []models.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case models.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case models.RoleTool:
			msgs = append(msgs, openai.ToolMessage(t.Content, t.ToolCallID))
		case models.RoleAssistant:
			if len(t.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(t.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(t.ToolCalls))
			for i, tc := range t.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if t.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(t.Content)}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return msgs
}

func toTools(specs []models.ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(specs))
	for i, s := range specs {
		tools[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  shared.FunctionParameters(s.Parameters),
			},
		}
	}
	return tools
}

// pairingMarkers identify provider rejections of malformed tool-call history.
var pairingMarkers = []string{
	"did not have response messages",
	"not found in 'tool_calls' of previous message",
	"must be a response to a preceeding message",
	"must be a response to a preceding message",
	"must be followed by tool messages",
}

// IsPairingError reports whether the provider rejected the history because
// tool requests and tool results do not line up.
func IsPairingError(err error) bool {
	return models.IsKind(err, models.KindInvariantViolation)
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return models.NewError(models.KindTimeout, op, err)
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		e := &models.Error{Kind: models.KindTransport, Op: op, Code: apierr.StatusCode, Err: err}
		switch {
		case apierr.StatusCode == http.StatusBadRequest && mentionsPairing(err.Error()):
			e.Kind = models.KindInvariantViolation
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			e.Kind = models.KindMisconfiguredTenant
		case apierr.StatusCode == http.StatusBadRequest:
			e.Kind = models.KindValidation
		}
		return e
	}
	if mentionsPairing(err.Error()) {
		return models.NewError(models.KindInvariantViolation, op, err)
	}
	return models.NewError(models.KindTransport, op, fmt.Errorf("chat completion failed: %w", err))
}

func mentionsPairing(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range pairingMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Transient reports whether a failed completion is worth one more attempt.
func Transient(err error) bool {
	var e *models.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case models.KindTimeout:
		return true
	case models.KindTransport:
		return e.Code == 0 || e.Code == http.StatusTooManyRequests || e.Code >= 500
	}
	return false
}
