// Package tools exposes the booking backend to the LLM as a fixed catalog of
// named tools with centralized argument validation and tenant context injection.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/booking"
	"github.com/BTreeMap/SalonPipe/internal/dedup"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"golang.org/x/sync/errgroup"
)

// Defaults for tool execution.
const (
	DefaultToolTimeout  = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 250 * time.Millisecond
	maxParallelCalls    = 8
	toolArgsLogLimit    = 1024
)

// TenantResolver maps a business phone to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, businessPhone string) (*models.Tenant, error)
}

// Invocation is the context a batch of tool calls runs in. Both values come
// from the conversation, never from LLM arguments.
type Invocation struct {
	CustomerPhone string
	// BusinessPhone is the routing tag of the current user turn, used only
	// when no association is recorded for the customer.
	BusinessPhone string
}

// Result is the outcome of one tool call, ready to append as a tool turn.
type Result struct {
	CallID  string
	Name    string
	Content string
	// Kind is empty on success.
	Kind models.ErrorKind
}

// Turn converts the result into a tool-result conversation turn.
func (r Result) Turn() models.Turn {
	return models.Turn{
		Role:       models.RoleTool,
		ToolCallID: r.CallID,
		Name:       r.Name,
		Content:    r.Content,
		Timestamp:  time.Now(),
	}
}

// Dispatcher validates and executes tool calls.
type Dispatcher struct {
	client  *booking.Client
	assoc   dedup.Cache
	tenants TenantResolver

	tools map[string]*Tool
	order []*Tool

	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	gate        *registrationGate
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithToolTimeout bounds each tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithRetry sets the attempt budget and base backoff for idempotent reads.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(disp *Dispatcher) {
		if maxAttempts > 0 {
			disp.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			disp.backoff = backoff
		}
	}
}

// NewDispatcher creates a Dispatcher with the full tool catalog.
func NewDispatcher(client *booking.Client, assoc dedup.Cache, tenants TenantResolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:      client,
		assoc:       assoc,
		tenants:     tenants,
		tools:       make(map[string]*Tool),
		timeout:     DefaultToolTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		gate:        newRegistrationGate(),
	}
	for _, t := range newCatalog() {
		d.tools[t.Name] = t
		d.order = append(d.order, t)
	}
	for _, opt := range opts {
		opt(d)
	}
	slog.Debug("Dispatcher.NewDispatcher: catalog ready", "tools", len(d.order), "timeout", d.timeout, "max_attempts", d.maxAttempts)
	return d
}

// Catalog returns the tool declarations in presentation order.
func (d *Dispatcher) Catalog() []models.ToolSpec {
	specs := make([]models.ToolSpec, len(d.order))
	for i, t := range d.order {
		specs[i] = t.Spec()
	}
	return specs
}

// Execute runs calls concurrently and returns results in request order.
func (d *Dispatcher) Execute(ctx context.Context, inv Invocation, calls []models.ToolCall) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(maxParallelCalls)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, inv, call)
			return nil
		})
	}
	g.Wait()
	return results
}

// Dispatch runs one tool call. Failures are encoded into the result content
// so the LLM can correct itself; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, call models.ToolCall) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name}
	slog.Debug("Dispatcher.Dispatch: tool call", "tool", call.Name, "call_id", call.ID,
		"customer", inv.CustomerPhone, "args", formatArgsForLog(call.Arguments))

	content, err := d.run(ctx, inv, call)
	if err != nil {
		res.Kind = models.KindOf(err)
		res.Content = encodeError(err)
		slog.Info("Dispatcher.Dispatch: tool failed", "tool", call.Name, "call_id", call.ID,
			"kind", res.Kind, "error", err, "elapsed", time.Since(start))
		return res
	}
	res.Content = string(content)
	slog.Debug("Dispatcher.Dispatch: tool succeeded", "tool", call.Name, "call_id", call.ID, "elapsed", time.Since(start))
	return res
}

func (d *Dispatcher) run(ctx context.Context, inv Invocation, call models.ToolCall) ([]byte, error) {
	const op = "Dispatcher.Dispatch"
	tool, ok := d.tools[call.Name]
	if !ok {
		return nil, &models.Error{Kind: models.KindValidation, Op: op,
			Err:  fmt.Errorf("unknown tool %q", call.Name),
			Hint: "Use only the declared tools."}
	}

	customer := util.NormalizePhone(inv.CustomerPhone)
	if customer == "" {
		return nil, models.Errorf(models.KindValidation, op, "conversation has no customer phone")
	}
	if d.gate.blocked(customer) && !allowedWhileUnregistered(tool.Name) {
		return nil, &models.Error{Kind: models.KindValidation, Op: op,
			Err:  fmt.Errorf("%s is not available before the customer has a profile", tool.Name),
			Hint: "The customer has no profile yet. Ask for the full name and consent to the privacy policy, then call store_profile. Only getProfile and store_profile are allowed until then."}
	}

	session, err := d.session(ctx, customer, inv.BusinessPhone)
	if err != nil {
		return nil, err
	}

	env, err := d.callWithRetry(ctx, tool, session, json.RawMessage(call.Arguments))
	d.updateGate(tool.Name, customer, env, err)
	if err != nil {
		return nil, err
	}

	body, err := booking.AdjustTimestamps(env.Body)
	if err != nil {
		return nil, models.NewError(models.KindTransport, op, err)
	}
	if tool.post != nil {
		if body, err = tool.post(body); err != nil {
			return nil, models.NewError(models.KindInternal, op, err)
		}
	}
	return body, nil
}

// session binds the tenant recorded for the customer to a booking session.
func (d *Dispatcher) session(ctx context.Context, customer, fallbackBusiness string) (booking.Session, error) {
	const op = "Dispatcher.session"
	business, ok, err := d.assoc.LookupBusiness(ctx, customer)
	if err != nil {
		slog.Warn("Dispatcher.session: association lookup failed, using turn metadata", "customer", customer, "error", err)
	}
	if !ok || business == "" {
		business = fallbackBusiness
	}
	if business == "" {
		return booking.Session{}, models.NewError(models.KindUnknownTenant, op, models.ErrTenantNotFound)
	}
	tenant, err := d.tenants.Resolve(ctx, business)
	if err != nil {
		return booking.Session{}, err
	}
	return booking.Session{
		Client:   d.client,
		Creds:    booking.Credentials{AuthKey: tenant.BookAuthKey, CustomerCd: tenant.BookCustomerCd},
		Customer: customer,
	}, nil
}

func (d *Dispatcher) callWithRetry(ctx context.Context, tool *Tool, s booking.Session, args json.RawMessage) (*booking.Envelope, error) {
	attempts := d.maxAttempts
	if tool.Mutating {
		attempts = 1
	}
	var env *booking.Envelope
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		env, err = tool.handler(callCtx, s, args)
		cancel()
		if err == nil || !booking.Retryable(err) || attempt == attempts-1 {
			break
		}
		// Exponential backoff: base, 2x, 4x, ...
		wait := d.backoff * time.Duration(1<<attempt)
		slog.Debug("Dispatcher.callWithRetry: retrying", "tool", tool.Name, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, models.NewError(models.KindTimeout, "Dispatcher.callWithRetry", ctx.Err())
		case <-time.After(wait):
		}
	}
	return env, err
}

func (d *Dispatcher) updateGate(name, customer string, env *booking.Envelope, err error) {
	switch name {
	case ToolGetProfile:
		if env != nil && env.Code == booking.CodeProfileNotFound {
			d.gate.block(customer)
		} else if err == nil {
			d.gate.release(customer)
		}
	case ToolStoreProfile:
		if err == nil {
			d.gate.release(customer)
		}
	}
}

type errorPayload struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Code    int              `json:"code,omitempty"`
	Hint    string           `json:"hint,omitempty"`
}

func encodeError(err error) string {
	body := errorBody{Kind: models.KindOf(err), Message: err.Error()}
	var me *models.Error
	if errors.As(err, &me) {
		if me.Err != nil {
			body.Message = me.Err.Error()
		}
		body.Code = me.Code
		body.Hint = me.Hint
	}
	if body.Hint == "" {
		switch body.Kind {
		case models.KindValidation:
			body.Hint = "Fix the arguments and call the tool again."
		case models.KindTransport, models.KindTimeout:
			body.Hint = "The booking system is temporarily unreachable. Tell the customer to try again shortly."
		}
	}
	data, mErr := json.Marshal(errorPayload{Error: body})
	if mErr != nil {
		return `{"error":{"kind":"internal","message":"failed to encode error"}}`
	}
	return string(data)
}

func formatArgsForLog(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) > toolArgsLogLimit {
		return s[:toolArgsLogLimit] + "...(truncated)"
	}
	return s
}
