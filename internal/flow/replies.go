package flow

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Fixed replies sent without consulting the LLM.
const (
	ReplyTooLong     = "Entschuldigung, die Bearbeitung Ihrer Anfrage dauert zu lange. Bitte versuchen Sie es gleich noch einmal."
	ReplyApology     = "Entschuldigung, es ist ein technischer Fehler aufgetreten. Bitte versuchen Sie es in ein paar Minuten erneut."
	ReplyUnavailable = "Dieser Service ist derzeit leider nicht verfügbar. Bitte versuchen Sie es später erneut."
	ReplySlowDown    = "Sie senden gerade sehr viele Nachrichten. Bitte warten Sie einen Moment, bevor Sie erneut schreiben."
	ReplyEmpty       = "Wie kann ich Ihnen helfen?"
)

// DefaultSystemPrompt is used when a tenant has no persona and no prompt file is configured.
const DefaultSystemPrompt = `You are the WhatsApp booking assistant of a hair salon. Answer in the customer's language, briefly and politely.
Always call getProfile first in a new conversation. If the profile does not exist, ask for the customer's full name and consent to the privacy policy, then call store_profile.
Use getSites, getProducts and AppointmentSuggestion to find free slots. week and dateSearchString must describe the same calendar week.
Book only after the customer confirmed a slot, copying the positions of that suggestion unchanged into bookAppointment.
Never invent appointments, prices or opening hours.`

// LoadSystemPrompt reads the default system prompt from a file.
func LoadSystemPrompt(path string) (string, error) {
	slog.Debug("flow.LoadSystemPrompt: loading system prompt from file", "file", path)
	if path == "" {
		return "", fmt.Errorf("system prompt file not configured")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("flow.LoadSystemPrompt: failed to read system prompt file", "file", path, "error", err)
		return "", fmt.Errorf("failed to read system prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", path)
	}
	slog.Info("flow.LoadSystemPrompt: system prompt loaded successfully", "file", path, "length", len(prompt))
	return prompt, nil
}
