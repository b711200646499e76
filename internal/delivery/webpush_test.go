package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/models"
)

func newSubscription(t *testing.T, endpoint string) *models.UserDevice {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &models.UserDevice{
		Platform: models.PlatformWeb,
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newWebPush(t *testing.T, srv *httptest.Server) *WebPushTransport {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewWebPushTransport(WebPushConfig{
		Subscriber:      "ops@example.com",
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
	}, srv.Client())
}

func TestWebPushSendsWithUrgency(t *testing.T) {
	var urgency []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urgency = append(urgency, r.Header.Get("Urgency"))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	transport := newWebPush(t, srv)
	device := newSubscription(t, srv.URL+"/push/abc")
	ctx := context.Background()

	for _, kind := range []models.DeliveryType{models.DeliverySilent, models.DeliveryNormal, models.DeliveryCritical} {
		require.NoError(t, transport.Send(ctx, device, Payload{Title: "t", DeliveryType: kind}))
	}
	require.Equal(t, []string{"very-low", "normal", "high"}, urgency)
}

func TestWebPushGoneSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(srv.Close)

	err := newWebPush(t, srv).Send(context.Background(), newSubscription(t, srv.URL), Payload{Title: "t"})
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestWebPushServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	err := newWebPush(t, srv).Send(context.Background(), newSubscription(t, srv.URL), Payload{Title: "t"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTokenInvalid)
	require.NotErrorIs(t, err, ErrUndeliverable)
}

func TestWebPushIncompleteSubscription(t *testing.T) {
	transport := NewWebPushTransport(WebPushConfig{}, nil)
	err := transport.Send(context.Background(), &models.UserDevice{Platform: models.PlatformWeb}, Payload{})
	require.ErrorIs(t, err, ErrTokenInvalid)
}
