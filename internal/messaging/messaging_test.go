package messaging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCloudAPISenderPostsText(t *testing.T) {
	var path, auth string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"messages":[{"id":"wamid.1"}]}`)
	}))
	defer srv.Close()

	s := NewCloudAPISender(WithGraphBase(srv.URL + "/"))
	err := s.SendText(context.Background(), Channel{AccessToken: "tok", PhoneNumberID: "1055"}, "+491701112233", "Hallo!")
	require.NoError(t, err)
	assert.Equal(t, "/1055/messages", path)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "whatsapp", gjson.GetBytes(body, "messaging_product").String())
	assert.Equal(t, "+491701112233", gjson.GetBytes(body, "to").String())
	assert.Equal(t, "text", gjson.GetBytes(body, "type").String())
	assert.Equal(t, "Hallo!", gjson.GetBytes(body, "text.body").String())
}

func TestCloudAPISenderSendsE164Recipient(t *testing.T) {
	var tos []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tos = append(tos, gjson.GetBytes(body, "to").String())
	}))
	defer srv.Close()

	s := NewCloudAPISender(WithGraphBase(srv.URL))
	ch := Channel{AccessToken: "tok", PhoneNumberID: "1055"}
	for _, to := range []string{"491701112233", "0049 170 1112233", "+49 (170) 111-2233"} {
		require.NoError(t, s.SendText(context.Background(), ch, to, "hi"))
	}
	assert.Equal(t, []string{"+491701112233", "+491701112233", "+491701112233"}, tos)

	err := s.SendText(context.Background(), ch, "n/a", "hi")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCloudAPISenderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad token"}}`)
	}))
	defer srv.Close()
	s := NewCloudAPISender(WithGraphBase(srv.URL))

	err := s.SendText(context.Background(), Channel{AccessToken: "tok", PhoneNumberID: "1"}, "+49170", "x")
	require.Error(t, err)
	assert.Equal(t, models.KindTransport, models.KindOf(err))

	err = s.SendText(context.Background(), Channel{PhoneNumberID: "1"}, "+49170", "x")
	assert.ErrorIs(t, err, ErrNoChannel)

	err = s.SendText(context.Background(), Channel{AccessToken: "tok", PhoneNumberID: "1"}, "abc", "x")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCloudAPISenderLimiterPerPhoneNumberID(t *testing.T) {
	s := NewCloudAPISender()
	a := s.limiter("1")
	assert.Same(t, a, s.limiter("1"))
	assert.NotSame(t, a, s.limiter("2"))
}

func TestRouterPicksBestChannel(t *testing.T) {
	ctx := context.Background()
	cloud := NewMockSender()
	fallback := twiliowhatsapp.NewMockClient()
	r := NewRouter(cloud, fallback)

	full := ChannelFor(&models.Tenant{WAAccessToken: "tok", WAPhoneNumber: "1055"})
	require.NoError(t, r.SendText(ctx, full, "+49170", "via cloud"))
	require.NoError(t, r.SendText(ctx, ChannelFor(nil), "+49170", "via twilio"))

	require.Len(t, cloud.Sent(), 1)
	assert.Equal(t, "via cloud", cloud.Sent()[0].Body)
	require.Len(t, fallback.Sent(), 1)
	assert.Equal(t, "via twilio", fallback.Sent()[0].Body)

	bare := NewRouter(cloud, nil)
	err := bare.SendText(ctx, Channel{}, "+49170", "dropped")
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Len(t, cloud.Sent(), 1)
}
