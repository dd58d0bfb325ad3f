package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/booking"
	"github.com/BTreeMap/SalonPipe/internal/genai"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type bookingBackend struct {
	mu     sync.Mutex
	paths  []string
	bodies map[string][]byte
}

func newBookingBackend(t *testing.T, respond func(path string) string) (*bookingBackend, *httptest.Server) {
	b := &bookingBackend{bodies: map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		b.bodies[r.URL.Path] = body
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, respond(r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *bookingBackend) called() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

func (b *bookingBackend) body(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[path]
}

// scriptedSteps answers the n-th LLM request with the n-th step; the last step repeats.
func scriptedSteps(steps ...func(req genai.ChatRequest) *genai.ToolCallResponse) respondFunc {
	return func(_ context.Context, n int, req genai.ChatRequest) (*genai.ToolCallResponse, error) {
		if n >= len(steps) {
			n = len(steps) - 1
		}
		return steps[n](req), nil
	}
}

func callTool(id, name, args string) func(genai.ChatRequest) *genai.ToolCallResponse {
	return func(genai.ChatRequest) *genai.ToolCallResponse {
		return &genai.ToolCallResponse{ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: args}}}
	}
}

func say(text string) func(genai.ChatRequest) *genai.ToolCallResponse {
	return func(genai.ChatRequest) *genai.ToolCallResponse { return &genai.ToolCallResponse{Content: text} }
}

func lastToolResult(req genai.ChatRequest) string {
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == models.RoleTool {
			return req.Turns[i].Content
		}
	}
	return ""
}

func withDispatcher(srv *httptest.Server) func(*Dependencies) {
	return func(d *Dependencies) {
		d.Tools = tools.NewDispatcher(booking.NewClient(srv.URL), d.Dedup, d.Tenants,
			tools.WithToolTimeout(2*time.Second), tools.WithRetry(1, 0))
	}
}

func TestRegistrationGateScenario(t *testing.T) {
	backend, srv := newBookingBackend(t, func(path string) string {
		if path == booking.PathGetProfile {
			return `{"code":-3,"message":"profile not found"}`
		}
		return `{"code":0,"data":[]}`
	})
	var gateResult string
	h := newHarness(t, scriptedSteps(
		callTool("p", tools.ToolGetProfile, `{}`),
		callTool("s", tools.ToolGetSites, `{}`),
		func(req genai.ChatRequest) *genai.ToolCallResponse {
			gateResult = lastToolResult(req)
			return &genai.ToolCallResponse{Content: "Willkommen! Bitte nennen Sie mir Ihren vollständigen Namen und bestätigen Sie die Datenschutzerklärung."}
		},
	), Config{}, withDispatcher(srv))

	res, err := h.engine.HandleInbound(context.Background(), inbound("wamid.A", "Ich hätte gerne einen Termin"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Contains(t, res.Reply, "Namen")

	assert.Equal(t, []string{booking.PathGetProfile}, backend.called())
	assert.Equal(t, string(models.KindValidation), gjson.Get(gateResult, "error.kind").String())
	require.NoError(t, h.saved(t).Validate())
}

func TestBookingScenarioRestoresTimestamps(t *testing.T) {
	backend, srv := newBookingBackend(t, func(path string) string {
		switch path {
		case booking.PathGetSites:
			return `{"code":0,"data":[{"siteCd":"S1","name":"Salon Mitte"}]}`
		case booking.PathGetProducts:
			return `{"code":0,"data":[{"itemNo":14,"name":"Haarschnitt"}]}`
		case booking.PathGetSuggestions:
			return `{"code":0,"data":[{"positions":[{"itemNo":14,"beginTs":"2025-05-20T10:00:00","employeeId":3}]}]}`
		case booking.PathBook:
			return `{"code":0,"data":{"orderId":777}}`
		}
		return `{"code":0,"data":[]}`
	})

	var proposed string
	h := newHarness(t, scriptedSteps(
		callTool("1", tools.ToolGetSites, `{}`),
		callTool("2", tools.ToolGetProducts, `{"siteCd":"S1"}`),
		callTool("3", tools.ToolAppointmentSuggestion, `{"siteCd":"S1","week":1,"positions":[{"itemNo":14}],"dateSearchString":["20T"]}`),
		func(req genai.ChatRequest) *genai.ToolCallResponse {
			position := gjson.Get(lastToolResult(req), "data.0.positions.0")
			proposed = position.Get("beginTs").String()
			args, _ := json.Marshal(map[string]interface{}{
				"siteCd":    "S1",
				"positions": []json.RawMessage{json.RawMessage(position.Raw)},
			})
			return &genai.ToolCallResponse{ToolCalls: []models.ToolCall{{ID: "4", Name: tools.ToolBookAppointment, Arguments: string(args)}}}
		},
		func(req genai.ChatRequest) *genai.ToolCallResponse {
			order := gjson.Get(lastToolResult(req), "data.orderId").Int()
			return &genai.ToolCallResponse{Content: fmt.Sprintf("Ihr Haarschnitt am 20.05. um 12:00 ist gebucht (Nr. %d).", order)}
		},
	), Config{}, withDispatcher(srv))

	res, err := h.engine.HandleInbound(context.Background(), inbound("wamid.B", "Haarschnitt nächsten Dienstag bitte"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Contains(t, res.Reply, "777")

	assert.Equal(t, []string{booking.PathGetSites, booking.PathGetProducts, booking.PathGetSuggestions, booking.PathBook}, backend.called())
	assert.Equal(t, "2025-05-20T12:00:00", proposed)
	sent := backend.body(booking.PathBook)
	assert.Equal(t, "2025-05-20T10:00:00", gjson.GetBytes(sent, "positions.0.beginTs").String())
	assert.Equal(t, int64(3), gjson.GetBytes(sent, "positions.0.employeeId").Int())
	assert.Equal(t, "cd", gjson.GetBytes(sent, "customerCd").String())

	conv := h.saved(t)
	require.NoError(t, conv.Validate())
	assert.Len(t, conv.Turns, 2+4*2+1)
}
