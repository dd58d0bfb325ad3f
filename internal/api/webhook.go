package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
)

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         webhookMetadata  `json:"metadata"`
	Contacts         []webhookContact `json:"contacts"`
	Messages         []webhookMessage `json:"messages"`
}

type webhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

// parseWebhook extracts text messages from a WhatsApp Business Platform event.
// It returns the messages and the number of non-text messages skipped.
func parseWebhook(body []byte, now time.Time) ([]models.InboundMessage, int, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, 0, fmt.Errorf("invalid webhook payload: %w", err)
	}
	var out []models.InboundMessage
	skipped := 0
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				if m.Type != "text" || m.Text == nil || m.ID == "" || m.From == "" {
					skipped++
					continue
				}
				out = append(out, models.InboundMessage{
					MessageID:     m.ID,
					CustomerPhone: m.From,
					BusinessPhone: v.Metadata.DisplayPhoneNumber,
					Text:          m.Text.Body,
					ProfileName:   profileName(v.Contacts, m.From),
					ReceivedAt:    messageTime(m.Timestamp, now),
				})
			}
		}
	}
	return out, skipped, nil
}

func profileName(contacts []webhookContact, from string) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}

func messageTime(ts string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0)
}
