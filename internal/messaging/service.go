// Package messaging delivers outbound WhatsApp text replies for a tenant.
package messaging

import (
	"context"
	"errors"
)

// ErrNoChannel is returned when neither the tenant's Cloud API credentials
// nor a fallback sender are available.
var ErrNoChannel = errors.New("no outbound channel available")

// Channel identifies the tenant's outbound WhatsApp Cloud API credentials.
type Channel struct {
	AccessToken   string
	PhoneNumberID string
}

// Complete reports whether the channel can be used with the Cloud API.
func (c Channel) Complete() bool {
	return c.AccessToken != "" && c.PhoneNumberID != ""
}

// Sender delivers one text message to a customer.
type Sender interface {
	SendText(ctx context.Context, ch Channel, to, body string) error
}
