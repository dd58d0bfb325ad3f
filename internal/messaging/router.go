package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/twiliowhatsapp"
)

// Router picks the best available transport for a reply: the tenant's own
// Cloud API channel, else the Twilio fallback.
type Router struct {
	cloud    Sender
	fallback twiliowhatsapp.TwilioWhatsAppSender
}

var _ Sender = (*Router)(nil)

// NewRouter creates a Router. fallback may be nil.
func NewRouter(cloud Sender, fallback twiliowhatsapp.TwilioWhatsAppSender) *Router {
	return &Router{cloud: cloud, fallback: fallback}
}

// SendText delivers body to to over the best available channel.
func (r *Router) SendText(ctx context.Context, ch Channel, to, body string) error {
	if ch.Complete() && r.cloud != nil {
		return r.cloud.SendText(ctx, ch, to, body)
	}
	if r.fallback != nil {
		slog.Debug("Router.SendText: using fallback channel", "to", to)
		if err := r.fallback.SendMessage(ctx, to, body); err != nil {
			return models.NewError(models.KindTransport, "Router.SendText", err)
		}
		return nil
	}
	slog.Warn("Router.SendText: no channel, reply dropped", "to", to, "phone_number_id_set", ch.PhoneNumberID != "")
	return models.NewError(models.KindMisconfiguredTenant, "Router.SendText", ErrNoChannel)
}

// ChannelFor returns the outbound channel of a tenant. t may be nil.
func ChannelFor(t *models.Tenant) Channel {
	if t == nil {
		return Channel{}
	}
	return Channel{AccessToken: t.WAAccessToken, PhoneNumberID: t.WAPhoneNumber}
}
