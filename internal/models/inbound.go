package models

import "time"

// InboundMessage is a parsed text message from the webhook.
type InboundMessage struct {
	MessageID     string    `json:"message_id"`
	CustomerPhone string    `json:"customer_phone"`
	BusinessPhone string    `json:"business_phone"`
	Text          string    `json:"text"`
	ProfileName   string    `json:"profile_name,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}
