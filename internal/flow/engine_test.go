package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/dedup"
	"github.com/BTreeMap/SalonPipe/internal/genai"
	"github.com/BTreeMap/SalonPipe/internal/messaging"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/ratelimit"
	"github.com/BTreeMap/SalonPipe/internal/store"
	"github.com/BTreeMap/SalonPipe/internal/tools"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCustomer = "+491701112233"
	testBusiness = "+4930000111"
)

type respondFunc func(ctx context.Context, n int, req genai.ChatRequest) (*genai.ToolCallResponse, error)

type scriptedLLM struct {
	mu       sync.Mutex
	requests []genai.ChatRequest
	respond  respondFunc
}

func (s *scriptedLLM) GenerateWithTools(ctx context.Context, req genai.ChatRequest) (*genai.ToolCallResponse, error) {
	s.mu.Lock()
	n := len(s.requests)
	req.Turns = append([]models.Turn(nil), req.Turns...)
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(ctx, n, req)
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) genai.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

type fakeTools struct {
	mu    sync.Mutex
	calls []models.ToolCall
}

func (f *fakeTools) Catalog() []models.ToolSpec {
	return []models.ToolSpec{{Name: "getSites", Description: "List salons", Parameters: map[string]interface{}{"type": "object"}}}
}

func (f *fakeTools) Execute(ctx context.Context, inv tools.Invocation, calls []models.ToolCall) []tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, calls...)
	f.mu.Unlock()
	out := make([]tools.Result, len(calls))
	for i, c := range calls {
		out[i] = tools.Result{CallID: c.ID, Name: c.Name, Content: fmt.Sprintf(`{"code":0,"data":%q}`, c.Name)}
	}
	return out
}

type fakeTenants map[string]*models.Tenant

func (f fakeTenants) Resolve(ctx context.Context, phone string) (*models.Tenant, error) {
	t, ok := f[util.NormalizePhone(phone)]
	if !ok {
		return nil, models.NewError(models.KindUnknownTenant, "fakeTenants.Resolve", models.ErrTenantNotFound)
	}
	return t, nil
}

func testTenant() *models.Tenant {
	return &models.Tenant{ID: "salon-1", BusinessPhone: testBusiness, Active: true,
		LLMAPIKey: "sk-test", LLMModel: "gpt-4o-mini", BookAuthKey: "auth", BookCustomerCd: "cd",
		WAAccessToken: "wa-token", WAPhoneNumber: "1055", PersonaPrompt: "Du bist der Assistent von Salon Eins."}
}

type failingSaveStore struct {
	*store.InMemoryStore
}

func (f failingSaveStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	return errors.New("disk full")
}

// corruptHistoryStore fails to decode the stored history until it is cleared.
type corruptHistoryStore struct {
	*store.InMemoryStore
	corrupt *atomic.Bool
	clears  *atomic.Int32
}

func (c corruptHistoryStore) LoadConversation(ctx context.Context, customerPhone, systemPrompt string) (*models.Conversation, error) {
	if c.corrupt.Load() {
		return nil, fmt.Errorf("failed to decode conversation for %s: %w", customerPhone, models.ErrConversationCorrupt)
	}
	return c.InMemoryStore.LoadConversation(ctx, customerPhone, systemPrompt)
}

func (c corruptHistoryStore) ClearConversation(ctx context.Context, customerPhone string) error {
	c.clears.Add(1)
	c.corrupt.Store(false)
	return c.InMemoryStore.ClearConversation(ctx, customerPhone)
}

type harness struct {
	engine *Engine
	store  *store.InMemoryStore
	llm    *scriptedLLM
	tools  *fakeTools
	sender *messaging.MockSender
}

func newHarness(t *testing.T, respond respondFunc, cfg Config, mutate ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewInMemoryStore(),
		llm:    &scriptedLLM{respond: respond},
		tools:  &fakeTools{},
		sender: messaging.NewMockSender(),
	}
	deps := Dependencies{
		Dedup:    dedup.NewMemoryCache(),
		Tenants:  fakeTenants{testBusiness: testTenant()},
		Limiter:  ratelimit.NewMemoryLimiter(30, time.Minute),
		Store:    h.store,
		LLM:      h.llm,
		Tools:    h.tools,
		Messages: h.sender,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.engine = NewEngine(deps, cfg)
	return h
}

func inbound(id, text string) models.InboundMessage {
	return models.InboundMessage{MessageID: id, CustomerPhone: "491701112233", BusinessPhone: testBusiness, Text: text, ProfileName: "Anna"}
}

func textReply(s string) respondFunc {
	return func(context.Context, int, genai.ChatRequest) (*genai.ToolCallResponse, error) {
		return &genai.ToolCallResponse{Content: s}, nil
	}
}

func toolCall(id, name string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: "{}"}}}
}

func (h *harness) saved(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := h.store.LoadConversation(context.Background(), testCustomer, "unused")
	require.NoError(t, err)
	return conv
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	h := newHarness(t, textReply("Hallo Anna!"), Config{})
	ctx := context.Background()

	first, err := h.engine.HandleInbound(ctx, inbound("wamid.X", "Hallo"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, first.Outcome)

	second, err := h.engine.HandleInbound(ctx, inbound("wamid.X", "Hallo"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, second.Outcome)

	assert.Equal(t, 1, h.llm.calls())
	assert.Len(t, h.sender.Sent(), 1)
	assert.Len(t, h.saved(t).Turns, 3)
}

func TestTextReplyPersistsAndSends(t *testing.T) {
	h := newHarness(t, textReply("Gerne! Wann passt es Ihnen?"), Config{Location: time.UTC})
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "Ich hätte gerne einen Termin"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.NotEmpty(t, res.RunID)
	assert.NoError(t, res.SendErr)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testCustomer, sent[0].To)
	assert.Equal(t, messaging.Channel{AccessToken: "wa-token", PhoneNumberID: "1055"}, sent[0].Channel)
	assert.Equal(t, "Gerne! Wann passt es Ihnen?", sent[0].Body)

	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	require.Len(t, conv.Turns, 3)
	assert.Equal(t, testTenant().PersonaPrompt, conv.Turns[0].Content)
	user := conv.Turns[1]
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Contains(t, user.Content, "Ich hätte gerne einen Termin")
	assert.Contains(t, user.Content, "Anna")
	assert.Contains(t, user.Content, "UTC")
	assert.Equal(t, testBusiness, user.BusinessPhone)

	req := h.llm.request(0)
	assert.Equal(t, "sk-test", req.APIKey)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Len(t, req.Tools, 1)
}

func TestToolLoopAppendsResultsInOrder(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if n == 0 {
			return &genai.ToolCallResponse{ToolCalls: []models.ToolCall{
				{ID: "a", Name: "getSites", Arguments: "{}"},
				{ID: "b", Name: "getOrders", Arguments: "{}"},
			}}, nil
		}
		return &genai.ToolCallResponse{Content: "Hier sind unsere Salons."}, nil
	}, Config{})

	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "Welche Salons gibt es?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, 2, res.Iterations)

	second := h.llm.request(1).Turns
	require.Len(t, second, 5)
	assert.True(t, second[2].IsToolRequest())
	assert.Equal(t, "a", second[3].ToolCallID)
	assert.Equal(t, "b", second[4].ToolCallID)

	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	assert.Len(t, conv.Turns, 6)
}

func TestMissingToolCallIDsAreAssigned(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if n == 0 {
			return &genai.ToolCallResponse{ToolCalls: []models.ToolCall{{Name: "getSites"}, {Name: "getSites"}}}, nil
		}
		return &genai.ToolCallResponse{Content: "ok"}, nil
	}, Config{})
	_, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hi"))
	require.NoError(t, err)
	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	calls := conv.Turns[2].ToolCalls
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].ID)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
	for _, c := range calls {
		assert.LessOrEqual(t, len(c.ID), 40, "id %q", c.ID)
	}
}

func TestEnsureCallIDsKeepsProviderIDs(t *testing.T) {
	calls := ensureCallIDs([]models.ToolCall{{ID: "call_a", Name: "getSites"}, {ID: "call_a", Name: "getSites"}, {Name: "getSites"}})
	require.Len(t, calls, 3)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.NotEqual(t, "call_a", calls[1].ID)
	for _, c := range calls {
		assert.LessOrEqual(t, len(c.ID), 40)
		assert.True(t, strings.HasPrefix(c.ID, "call_"))
	}
}

func TestIterationCapEndsWithApology(t *testing.T) {
	cycling := true
	h := newHarness(t, func(_ context.Context, n int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if cycling {
			return toolCall(fmt.Sprintf("c%d", n), "getSites"), nil
		}
		return &genai.ToolCallResponse{Content: "Wieder da."}, nil
	}, Config{MaxIterations: 3})
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, inbound("m1", "loop"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationCap, res.Outcome)
	assert.Equal(t, ReplyTooLong, res.Reply)
	assert.Equal(t, 3, h.llm.calls())
	require.NoError(t, h.saved(t).Validate())

	_, running := h.engine.InFlight(testCustomer)
	assert.False(t, running)
	assert.Equal(t, 0, h.engine.locks.Len())

	cycling = false
	res, err = h.engine.HandleInbound(ctx, inbound("m2", "noch da?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	require.NoError(t, h.saved(t).Validate())
}

func TestDeadlineBoundsRun(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		<-ctx.Done()
		return nil, models.NewError(models.KindTimeout, "scriptedLLM", ctx.Err())
	}, Config{IterationTimeout: 100 * time.Millisecond})

	start := time.Now()
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hallo"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, OutcomeIterationCap, res.Outcome)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ReplyTooLong, sent[0].Body)
	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	assert.Equal(t, ReplyTooLong, conv.Turns[len(conv.Turns)-1].Content)
}

func TestTransientLLMFailureRetriedOnce(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if n == 0 {
			return nil, &models.Error{Kind: models.KindTransport, Code: 503, Err: errors.New("overloaded")}
		}
		return &genai.ToolCallResponse{Content: "Hallo!"}, nil
	}, Config{})
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, 2, h.llm.calls())
}

func TestPairingViolationResetsHistoryOnce(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, _ genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if n == 0 {
			return nil, models.NewError(models.KindInvariantViolation, "scriptedLLM",
				errors.New("messages with role 'tool' must be a response to a preceeding message with 'tool_calls'"))
		}
		return &genai.ToolCallResponse{Content: "Wie kann ich helfen?"}, nil
	}, Config{})
	ctx := context.Background()

	old := models.NewConversation(testCustomer, "system")
	old.Append(models.Turn{Role: models.RoleUser, Content: "früher"}, models.Turn{Role: models.RoleAssistant, Content: "Antwort"})
	require.NoError(t, h.store.SaveConversation(ctx, old))

	res, err := h.engine.HandleInbound(ctx, inbound("m1", "neu"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	require.Equal(t, 2, h.llm.calls())
	assert.Len(t, h.llm.request(0).Turns, 4)
	retry := h.llm.request(1).Turns
	require.Len(t, retry, 2)
	assert.Equal(t, models.RoleSystem, retry[0].Role)
	assert.Contains(t, retry[1].Content, "neu")

	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	assert.Len(t, conv.Turns, 3)
}

func TestSecondPairingViolationApologizes(t *testing.T) {
	h := newHarness(t, func(context.Context, int, genai.ChatRequest) (*genai.ToolCallResponse, error) {
		return nil, models.NewError(models.KindInvariantViolation, "scriptedLLM", errors.New("tool_calls mismatch"))
	}, Config{})
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.Equal(t, ReplyApology, res.Reply)
	assert.Equal(t, 2, h.llm.calls())
	require.NoError(t, h.saved(t).Validate())
}

func TestUnknownTenantRepliesUnavailable(t *testing.T) {
	h := newHarness(t, textReply("never"), Config{})
	msg := inbound("m1", "hi")
	msg.BusinessPhone = "+4999999999"
	res, err := h.engine.HandleInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, 0, h.llm.calls())
	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ReplyUnavailable, sent[0].Body)
	assert.Equal(t, messaging.Channel{}, sent[0].Channel)
}

func TestRateLimitedSkipsEngine(t *testing.T) {
	h := newHarness(t, textReply("ok"), Config{}, func(d *Dependencies) {
		d.Limiter = ratelimit.NewMemoryLimiter(1, time.Hour)
	})
	ctx := context.Background()
	_, err := h.engine.HandleInbound(ctx, inbound("m1", "eins"))
	require.NoError(t, err)
	res, err := h.engine.HandleInbound(ctx, inbound("m2", "zwei"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Equal(t, 1, h.llm.calls())
	assert.Equal(t, ReplySlowDown, h.sender.Sent()[1].Body)
}

func TestPersistenceFailureApologizes(t *testing.T) {
	mem := store.NewInMemoryStore()
	h := newHarness(t, textReply("Gern."), Config{}, func(d *Dependencies) {
		d.Store = failingSaveStore{mem}
	})
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.Equal(t, ReplyApology, h.sender.Sent()[0].Body)
}

func TestCorruptHistoryStartsOver(t *testing.T) {
	mem := store.NewInMemoryStore()
	corrupt := &atomic.Bool{}
	corrupt.Store(true)
	clears := &atomic.Int32{}
	h := newHarness(t, textReply("Gerne! Wann passt es Ihnen?"), Config{}, func(d *Dependencies) {
		d.Store = corruptHistoryStore{InMemoryStore: mem, corrupt: corrupt, clears: clears}
	})
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "Termin bitte"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, int32(1), clears.Load())
	require.Len(t, h.sender.Sent(), 1)
	assert.Equal(t, "Gerne! Wann passt es Ihnen?", h.sender.Sent()[0].Body)

	conv, err := mem.LoadConversation(context.Background(), testCustomer, "")
	require.NoError(t, err)
	require.NoError(t, conv.Validate())
	require.Len(t, conv.Turns, 3)
	assert.Equal(t, models.RoleSystem, conv.Turns[0].Role)
	assert.Contains(t, conv.Turns[1].Content, "Termin bitte")
}

func TestSendFailureKeepsHistory(t *testing.T) {
	h := newHarness(t, textReply("Gern."), Config{})
	h.sender.Err = errors.New("graph down")
	res, err := h.engine.HandleInbound(context.Background(), inbound("m1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Error(t, res.SendErr)
	assert.Len(t, h.saved(t).Turns, 3)
}

func TestPerCustomerSerialization(t *testing.T) {
	var active, maxActive int32
	h := newHarness(t, func(context.Context, int, genai.ChatRequest) (*genai.ToolCallResponse, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &genai.ToolCallResponse{Content: "ok"}, nil
	}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.HandleInbound(context.Background(), inbound(fmt.Sprintf("m%d", i), "hi"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	assert.Len(t, conv.Turns, 11)
}

func TestResetClearsConversation(t *testing.T) {
	h := newHarness(t, textReply("ok"), Config{})
	ctx := context.Background()
	_, err := h.engine.HandleInbound(ctx, inbound("m1", "hi"))
	require.NoError(t, err)
	require.NoError(t, h.engine.Reset(ctx, "0049 170 1112233"))
	assert.Len(t, h.saved(t).Turns, 1)
	assert.Error(t, h.engine.Reset(ctx, "n/a"))
}

func TestKeyLock(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())

	again, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
}
