package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PerTurnTokenOverhead is added to every turn's character estimate.
const PerTurnTokenOverhead = 4

// ToolCall is one tool invocation requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one entry in a conversation history.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	// BusinessPhone is routing metadata for user turns. It is never sent to the LLM.
	BusinessPhone string    `json:"business_phone,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IsToolRequest reports whether the turn is an assistant turn requesting tools.
func (t Turn) IsToolRequest() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}

// EstimateTokens approximates the token footprint of the turn.
func (t Turn) EstimateTokens() int {
	chars := len(t.Content) + len(t.Name)
	for _, c := range t.ToolCalls {
		chars += len(c.ID) + len(c.Name) + len(c.Arguments)
	}
	return chars/4 + PerTurnTokenOverhead
}

// Conversation is the stored history for one customer.
type Conversation struct {
	CustomerPhone string    `json:"customer_phone"`
	Turns         []Turn    `json:"turns"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewConversation returns a conversation holding only the given system prompt.
func NewConversation(customerPhone, systemPrompt string) *Conversation {
	now := time.Now()
	return &Conversation{
		CustomerPhone: customerPhone,
		Turns:         []Turn{{Role: RoleSystem, Content: systemPrompt, Timestamp: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// EstimateTokens sums the estimate over all turns.
func (c *Conversation) EstimateTokens() int {
	total := 0
	for _, t := range c.Turns {
		total += t.EstimateTokens()
	}
	return total
}

// EnsureSystem makes index 0 a system turn, inserting prompt when missing.
// It reports whether the history was changed.
func (c *Conversation) EnsureSystem(prompt string) bool {
	if len(c.Turns) > 0 && c.Turns[0].Role == RoleSystem {
		return false
	}
	sys := Turn{Role: RoleSystem, Content: prompt, Timestamp: time.Now()}
	c.Turns = append([]Turn{sys}, c.Turns...)
	return true
}

// Append adds turns at the end of the history.
func (c *Conversation) Append(turns ...Turn) {
	c.Turns = append(c.Turns, turns...)
	c.UpdatedAt = time.Now()
}

// LatestUser returns the most recent user turn.
func (c *Conversation) LatestUser() (Turn, bool) {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i], true
		}
	}
	return Turn{}, false
}

// ResetToLatestUser drops everything except the system turn and the latest user turn.
func (c *Conversation) ResetToLatestUser() {
	var kept []Turn
	if len(c.Turns) > 0 && c.Turns[0].Role == RoleSystem {
		kept = append(kept, c.Turns[0])
	}
	if u, ok := c.LatestUser(); ok {
		kept = append(kept, u)
	}
	c.Turns = kept
	c.UpdatedAt = time.Now()
}

// Validate checks the structural invariants: a leading system turn and
// complete, exclusive pairing of tool requests with tool results.
func (c *Conversation) Validate() error {
	if len(c.Turns) == 0 {
		return fmt.Errorf("conversation is empty")
	}
	if c.Turns[0].Role != RoleSystem {
		return fmt.Errorf("turn 0 has role %q, want system", c.Turns[0].Role)
	}
	pending := map[string]bool{}
	for i, t := range c.Turns[1:] {
		idx := i + 1
		switch {
		case t.Role == RoleSystem:
			return fmt.Errorf("turn %d: unexpected system turn", idx)
		case t.Role == RoleTool:
			if !pending[t.ToolCallID] {
				return fmt.Errorf("turn %d: tool result %q has no pending request", idx, t.ToolCallID)
			}
			delete(pending, t.ToolCallID)
		default:
			if len(pending) > 0 {
				return fmt.Errorf("turn %d: %d tool call(s) unanswered", idx, len(pending))
			}
			for _, call := range t.ToolCalls {
				pending[call.ID] = true
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d tool call(s) unanswered at end of history", len(pending))
	}
	return nil
}

// Sanitize removes orphan tool results and tool-request groups that are not
// fully answered, so that Validate succeeds for any history with a system turn.
// It returns the number of turns removed.
func (c *Conversation) Sanitize() int {
	if len(c.Turns) == 0 {
		return 0
	}
	before := len(c.Turns)
	out := make([]Turn, 0, len(c.Turns))
	start := 0
	if c.Turns[0].Role == RoleSystem {
		out = append(out, c.Turns[0])
		start = 1
	}
	for i := start; i < len(c.Turns); {
		t := c.Turns[i]
		switch {
		case t.Role == RoleSystem, t.Role == RoleTool:
			// stray system turn or orphan result
			i++
		case t.IsToolRequest():
			want := make(map[string]bool, len(t.ToolCalls))
			for _, call := range t.ToolCalls {
				want[call.ID] = true
			}
			j := i + 1
			var results []Turn
			for ; j < len(c.Turns) && c.Turns[j].Role == RoleTool; j++ {
				if want[c.Turns[j].ToolCallID] {
					delete(want, c.Turns[j].ToolCallID)
					results = append(results, c.Turns[j])
				}
			}
			if len(want) == 0 {
				out = append(out, t)
				out = append(out, results...)
			}
			i = j
		default:
			out = append(out, t)
			i++
		}
	}
	c.Turns = out
	return before - len(out)
}

// Trim evicts the oldest non-system turns until the estimate fits budget.
// A tool request and its results are evicted together. Budgets <= 0 disable trimming.
// It returns the number of turns evicted.
func (c *Conversation) Trim(budget int) int {
	if budget <= 0 || len(c.Turns) == 0 {
		return 0
	}
	start := 0
	if c.Turns[0].Role == RoleSystem {
		start = 1
	}
	total := c.EstimateTokens()
	cut := start
	for total > budget && cut < len(c.Turns) {
		end := cut + 1
		for end < len(c.Turns) && c.Turns[end].Role == RoleTool {
			end++
		}
		for _, t := range c.Turns[cut:end] {
			total -= t.EstimateTokens()
		}
		cut = end
	}
	if cut == start {
		return 0
	}
	kept := make([]Turn, 0, len(c.Turns)-(cut-start))
	kept = append(kept, c.Turns[:start]...)
	kept = append(kept, c.Turns[cut:]...)
	evicted := len(c.Turns) - len(kept)
	c.Turns = kept
	return evicted
}
