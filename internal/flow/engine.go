// Package flow implements the conversation engine: one serialized
// LLM-and-tools loop per inbound customer message.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/dedup"
	"github.com/BTreeMap/SalonPipe/internal/genai"
	"github.com/BTreeMap/SalonPipe/internal/messaging"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/ratelimit"
	"github.com/BTreeMap/SalonPipe/internal/store"
	"github.com/BTreeMap/SalonPipe/internal/tools"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"github.com/google/uuid"
)

// Engine defaults.
const (
	DefaultMaxIterations    = 10
	DefaultIterationTimeout = 30 * time.Second
	DefaultLLMTimeout       = 180 * time.Second
	DefaultTokenBudget      = 6000
	DefaultFinalizeTimeout  = 10 * time.Second
)

// Outcome is the terminal state of one HandleInbound call.
type Outcome string

const (
	OutcomeReply        Outcome = "text_reply"
	OutcomeIterationCap Outcome = "iteration_cap"
	OutcomeHardError    Outcome = "hard_error"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeUnavailable  Outcome = "tenant_unavailable"
)

// Result describes what HandleInbound did.
type Result struct {
	Outcome    Outcome
	Reply      string
	RunID      string
	Iterations int
	// SendErr is set when the reply could not be delivered.
	SendErr error
}

// ToolExecutor runs tool calls on behalf of a conversation.
type ToolExecutor interface {
	Catalog() []models.ToolSpec
	Execute(ctx context.Context, inv tools.Invocation, calls []models.ToolCall) []tools.Result
}

// Dependencies are the collaborators of the Engine.
type Dependencies struct {
	Dedup    dedup.Cache
	Tenants  tools.TenantResolver
	Limiter  ratelimit.Limiter
	Store    store.ConversationRepo
	LLM      genai.ClientInterface
	Tools    ToolExecutor
	Messages messaging.Sender
}

// Config bounds the engine loop.
type Config struct {
	MaxIterations    int
	IterationTimeout time.Duration
	LLMTimeout       time.Duration
	TokenBudget      int
	FinalizeTimeout  time.Duration
	SystemPrompt     string
	Location         *time.Location
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = DefaultIterationTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Engine drives inbound messages through the LLM tool loop.
type Engine struct {
	deps     Dependencies
	cfg      Config
	locks    *KeyLock
	inflight *inFlightRuns
	now      func() time.Time
}

// NewEngine creates an Engine. All dependencies are required.
func NewEngine(deps Dependencies, cfg Config) *Engine {
	cfg.applyDefaults()
	slog.Debug("Engine.NewEngine: configured", "max_iterations", cfg.MaxIterations,
		"iteration_timeout", cfg.IterationTimeout, "llm_timeout", cfg.LLMTimeout,
		"token_budget", cfg.TokenBudget, "location", cfg.Location.String())
	return &Engine{deps: deps, cfg: cfg, locks: NewKeyLock(), inflight: newInFlightRuns(), now: time.Now}
}

// HandleInbound processes one inbound message end to end. Errors are
// returned only for malformed input or a cancelled lock wait; every other
// failure ends in a reply to the customer.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) (Result, error) {
	const op = "Engine.HandleInbound"
	customer := util.NormalizePhone(msg.CustomerPhone)
	business := util.NormalizePhone(msg.BusinessPhone)
	if customer == "" || msg.MessageID == "" {
		return Result{}, models.Errorf(models.KindValidation, op, "message lacks customer phone or id")
	}

	adm, err := e.deps.Dedup.Admit(ctx, msg.MessageID)
	if err != nil {
		// dedup backend down: prefer answering over dropping the message
		slog.Warn("Engine.HandleInbound: dedup admission failed, processing anyway", "message_id", msg.MessageID, "error", err)
	} else if adm == dedup.Duplicate {
		slog.Info("Engine.HandleInbound: duplicate message suppressed", "message_id", msg.MessageID, "customer", customer)
		return Result{Outcome: OutcomeSuppressed}, nil
	}
	if business != "" {
		if err := e.deps.Dedup.Associate(ctx, customer, business); err != nil {
			slog.Warn("Engine.HandleInbound: association failed", "customer", customer, "business", business, "error", err)
		}
	}

	tenant, err := e.deps.Tenants.Resolve(ctx, business)
	if err != nil {
		slog.Warn("Engine.HandleInbound: tenant unavailable", "business", business, "kind", models.KindOf(err), "error", err)
		res := Result{Outcome: OutcomeUnavailable, Reply: ReplyUnavailable}
		res.SendErr = e.send(ctx, tenant, customer, res.Reply)
		return res, nil
	}

	allowed, err := e.deps.Limiter.Allow(ctx, customer)
	if err != nil {
		slog.Warn("Engine.HandleInbound: rate limiter failed, allowing", "customer", customer, "error", err)
		allowed = true
	}
	if !allowed {
		slog.Info("Engine.HandleInbound: rate limited", "customer", customer, "tenant", tenant.ID)
		res := Result{Outcome: OutcomeRateLimited, Reply: ReplySlowDown}
		res.SendErr = e.send(ctx, tenant, customer, res.Reply)
		return res, nil
	}

	unlock, err := e.locks.Lock(ctx, customer)
	if err != nil {
		return Result{}, models.NewError(models.KindTimeout, op, fmt.Errorf("waiting for conversation lock: %w", err))
	}
	defer unlock()

	run := e.inflight.start(customer, e.cfg.IterationTimeout)
	defer e.inflight.finish(run)

	slog.Info("Engine.HandleInbound: run started", "run", run.ID, "customer", customer, "tenant", tenant.ID, "message_id", msg.MessageID)
	res := e.converse(ctx, run, tenant, msg, customer, business)
	res.RunID = run.ID
	slog.Info("Engine.HandleInbound: run finished", "run", run.ID, "customer", customer, "outcome", res.Outcome,
		"iterations", res.Iterations, "elapsed", time.Since(run.StartedAt), "send_error", res.SendErr)
	return res, nil
}

// converse runs the loop under the customer's lock.
func (e *Engine) converse(parent context.Context, run InFlightRun, tenant *models.Tenant, msg models.InboundMessage, customer, business string) Result {
	ctx, cancel := context.WithDeadline(parent, run.Deadline)
	defer cancel()

	prompt := e.systemPrompt(tenant)
	conv, err := e.deps.Store.LoadConversation(ctx, customer, prompt)
	if errors.Is(err, models.ErrConversationCorrupt) {
		slog.Warn("Engine.converse: stored history unreadable, starting over", "run", run.ID, "customer", customer, "error", err)
		if cerr := e.deps.Store.ClearConversation(ctx, customer); cerr != nil {
			slog.Error("Engine.converse: clear failed", "run", run.ID, "customer", customer, "error", cerr)
		} else {
			conv, err = models.NewConversation(customer, prompt), nil
		}
	}
	if err != nil {
		slog.Error("Engine.converse: load failed", "run", run.ID, "customer", customer, "error", err)
		return e.finish(parent, tenant, customer, nil, Result{Outcome: OutcomeHardError, Reply: ReplyApology})
	}
	if conv.EnsureSystem(prompt) {
		slog.Warn("Engine.converse: system turn restored", "run", run.ID, "customer", customer)
	}
	if n := conv.Sanitize(); n > 0 {
		slog.Warn("Engine.converse: dropped malformed turns", "run", run.ID, "customer", customer, "count", n)
	}
	conv.Append(e.userTurn(msg, business))

	inv := tools.Invocation{CustomerPhone: customer, BusinessPhone: business}
	catalog := e.deps.Tools.Catalog()
	recovered := false

	res := Result{}
	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		res.Iterations = iter
		if ctx.Err() != nil {
			break
		}

		resp, err := e.complete(ctx, tenant, conv, catalog)
		if err != nil && genai.IsPairingError(err) && !recovered {
			recovered = true
			slog.Warn("Engine.converse: pairing violation, resetting history", "run", run.ID, "customer", customer, "error", err)
			conv.ResetToLatestUser()
			resp, err = e.complete(ctx, tenant, conv, catalog)
		}
		if err != nil {
			if models.IsKind(err, models.KindTimeout) || ctx.Err() != nil {
				slog.Warn("Engine.converse: LLM timed out", "run", run.ID, "customer", customer, "iteration", iter, "error", err)
				break
			}
			slog.Error("Engine.converse: LLM failed", "run", run.ID, "customer", customer, "iteration", iter,
				"kind", models.KindOf(err), "error", err)
			if genai.IsPairingError(err) {
				conv.ResetToLatestUser()
			}
			res.Outcome, res.Reply = OutcomeHardError, ReplyApology
			conv.Append(models.Turn{Role: models.RoleAssistant, Content: res.Reply, Timestamp: e.now()})
			return e.finish(parent, tenant, customer, conv, res)
		}

		if len(resp.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Content)
			if text == "" {
				text = ReplyEmpty
			}
			conv.Append(models.Turn{Role: models.RoleAssistant, Content: text, Timestamp: e.now()})
			res.Outcome, res.Reply = OutcomeReply, text
			return e.finish(parent, tenant, customer, conv, res)
		}

		calls := ensureCallIDs(resp.ToolCalls)
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		slog.Info("Engine.converse: executing tools", "run", run.ID, "customer", customer, "iteration", iter, "tools", names)
		conv.Append(models.Turn{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: calls, Timestamp: e.now()})
		for _, r := range e.deps.Tools.Execute(ctx, inv, calls) {
			conv.Append(r.Turn())
		}
	}

	slog.Warn("Engine.converse: loop bound reached", "run", run.ID, "customer", customer,
		"iterations", res.Iterations, "deadline_exceeded", ctx.Err() != nil)
	res.Outcome, res.Reply = OutcomeIterationCap, ReplyTooLong
	conv.Append(models.Turn{Role: models.RoleAssistant, Content: res.Reply, Timestamp: e.now()})
	return e.finish(parent, tenant, customer, conv, res)
}

// complete calls the LLM once, retrying a single time on timeouts and
// transient transport failures while the run deadline allows.
func (e *Engine) complete(ctx context.Context, tenant *models.Tenant, conv *models.Conversation, catalog []models.ToolSpec) (*genai.ToolCallResponse, error) {
	req := genai.ChatRequest{APIKey: tenant.LLMAPIKey, Model: tenant.LLMModel, Turns: conv.Turns, Tools: catalog}
	var resp *genai.ToolCallResponse
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return nil, models.NewError(models.KindTimeout, "Engine.complete", ctx.Err())
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
		resp, err = e.deps.LLM.GenerateWithTools(callCtx, req)
		cancel()
		if err == nil || !genai.Transient(err) {
			return resp, err
		}
		slog.Warn("Engine.complete: transient LLM failure", "attempt", attempt+1, "kind", models.KindOf(err), "error", err)
	}
	return nil, err
}

// finish persists the conversation and sends the reply. Both steps run
// detached from the run deadline so a timed-out run still saves and answers.
func (e *Engine) finish(parent context.Context, tenant *models.Tenant, customer string, conv *models.Conversation, res Result) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.FinalizeTimeout)
	defer cancel()

	if conv != nil {
		if err := e.persist(ctx, conv); err != nil {
			slog.Error("Engine.finish: save failed", "customer", customer, "kind", models.KindOf(err), "error", err)
			res.Outcome, res.Reply = OutcomeHardError, ReplyApology
		}
	}
	res.SendErr = e.send(ctx, tenant, customer, res.Reply)
	return res
}

// persist trims and validates before saving; a malformed history is never written.
func (e *Engine) persist(ctx context.Context, conv *models.Conversation) error {
	const op = "Engine.persist"
	if n := conv.Trim(e.cfg.TokenBudget); n > 0 {
		slog.Debug("Engine.persist: trimmed history", "customer", conv.CustomerPhone, "evicted", n, "tokens", conv.EstimateTokens())
	}
	conv.Sanitize()
	if err := conv.Validate(); err != nil {
		return models.NewError(models.KindInvariantViolation, op, err)
	}
	if err := e.deps.Store.SaveConversation(ctx, conv); err != nil {
		return models.NewError(models.KindPersistence, op, err)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, tenant *models.Tenant, customer, text string) error {
	if err := e.deps.Messages.SendText(ctx, messaging.ChannelFor(tenant), customer, text); err != nil {
		slog.Error("Engine.send: reply not delivered", "customer", customer, "kind", models.KindOf(err), "error", err)
		return err
	}
	return nil
}

func (e *Engine) systemPrompt(t *models.Tenant) string {
	if t != nil && strings.TrimSpace(t.PersonaPrompt) != "" {
		return t.PersonaPrompt
	}
	return e.cfg.SystemPrompt
}

// userTurn annotates the message with local time and the sender's display name.
func (e *Engine) userTurn(msg models.InboundMessage, business string) models.Turn {
	now := e.now()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", now.In(e.cfg.Location).Format("Monday, 2006-01-02 15:04 MST"))
	if name := strings.TrimSpace(msg.ProfileName); name != "" {
		fmt.Fprintf(&b, " | %s", name)
	}
	b.WriteString("] ")
	b.WriteString(msg.Text)
	return models.Turn{Role: models.RoleUser, Content: b.String(), BusinessPhone: business, Timestamp: now}
}

// ensureCallIDs gives every tool call a unique id so results can be paired.
// Generated ids stay within the provider's 40 character limit.
func ensureCallIDs(calls []models.ToolCall) []models.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}

// Reset wipes a customer's conversation once any running loop has finished.
func (e *Engine) Reset(ctx context.Context, customerPhone string) error {
	customer := util.NormalizePhone(customerPhone)
	if customer == "" {
		return models.Errorf(models.KindValidation, "Engine.Reset", "invalid phone %q", customerPhone)
	}
	unlock, err := e.locks.Lock(ctx, customer)
	if err != nil {
		return models.NewError(models.KindTimeout, "Engine.Reset", err)
	}
	defer unlock()
	if err := e.deps.Store.ClearConversation(ctx, customer); err != nil && !errors.Is(err, models.ErrConversationNotFound) {
		return models.NewError(models.KindPersistence, "Engine.Reset", err)
	}
	slog.Info("Engine.Reset: conversation cleared", "customer", customer)
	return nil
}

// InFlight returns the run currently executing for a customer, if any.
func (e *Engine) InFlight(customerPhone string) (InFlightRun, bool) {
	return e.inflight.get(util.NormalizePhone(customerPhone))
}
