package handlers_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/handlers/testutil"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/services"
)

type bucketPayload struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	Name        string   `json:"name"`
	Visibility  string   `json:"visibility"`
	Permissions []string `json:"permissions"`
	MagicCode   string   `json:"magic_code"`
}

type messagePayload struct {
	Message struct {
		ID       string `json:"id"`
		BucketID string `json:"bucket_id"`
		SenderID string `json:"sender_id"`
		Title    string `json:"title"`
		Body     string `json:"body"`
		Sequence int64  `json:"sequence"`
	} `json:"message"`
	Fanout delivery.FanoutResult `json:"fanout"`
}

func createBucket(t *testing.T, env *testutil.Env, token string, body map[string]any) bucketPayload {
	t.Helper()
	w := env.Request(http.MethodPost, "/api/buckets", body, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var bucket bucketPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &bucket)
	require.NotEmpty(t, bucket.ID)
	return bucket
}

func postMessage(t *testing.T, env *testutil.Env, token, bucketID, title string) messagePayload {
	t.Helper()
	w := env.Request(http.MethodPost, "/api/messages", map[string]any{
		"bucket_id": bucketID,
		"title":     title,
		"body":      title + " body",
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg messagePayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &msg)
	return msg
}

func listNotifications(t *testing.T, env *testutil.Env, token, query string) []services.NotificationDTO {
	t.Helper()
	w := env.Request(http.MethodGet, "/api/notifications"+query, nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var items []services.NotificationDTO
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &items)
	return items
}

// recordingTransport captures sends and fails with err when set.
type recordingTransport struct {
	name models.Transport
	err  error

	mu    sync.Mutex
	sends []delivery.Payload
}

func (r *recordingTransport) Name() models.Transport { return r.name }

func (r *recordingTransport) Send(_ context.Context, _ *models.UserDevice, p delivery.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, p)
	return r.err
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}
