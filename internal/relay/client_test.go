package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/cache"
	"github.com/charlesng35/bucketcast/pkg/crypto"
)

type relayServer struct {
	*httptest.Server
	hits atomic.Int64
}

func newRelayServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, hit int64)) *relayServer {
	t.Helper()
	rs := &relayServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, rs.hits.Add(1))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func testPayload() Payload {
	return Payload{Platform: "IOS", DeviceToken: "device-token", Title: "Disk full", DeliveryType: "CRITICAL"}
}

func TestRelaySuccessReconcilesUsage(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request, hit int64) {
		require.Equal(t, "Bearer sat_abc.secret", r.Header.Get("Authorization"))
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		require.Equal(t, "device-token", p.DeviceToken)

		WriteUsageHeaders(w.Header(), Usage{TotalCalls: 41, MaxCalls: 100, Remaining: 59})
		w.WriteHeader(http.StatusOK)
	})
	client := NewClient(cache.NewMemoryStore(nil))

	res, err := client.Relay(context.Background(), testPayload(), srv.URL, "sat_abc.secret")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NotNil(t, res.Usage)
	require.EqualValues(t, 59, res.Usage.Remaining)

	usage, ok := client.Usage(context.Background(), "sat_abc.secret")
	require.True(t, ok)
	require.EqualValues(t, 41, usage.TotalCalls)
}

func TestRelayQuotaExhaustedFailsFastWithoutNetworkCall(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, hit int64) {
		WriteUsageHeaders(w.Header(), Usage{TotalCalls: 10, MaxCalls: 10, Remaining: 0})
		w.WriteHeader(http.StatusOK)
	})
	client := NewClient(cache.NewMemoryStore(nil))
	ctx := context.Background()

	_, err := client.Relay(ctx, testPayload(), srv.URL, "token-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, srv.hits.Load())

	res, err := client.Relay(ctx, testPayload(), srv.URL, "token-1")
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Equal(t, OutcomeQuotaExhausted, res.Outcome)
	require.False(t, res.Success)
	require.EqualValues(t, 1, srv.hits.Load(), "exhausted quota must not reach the relay")

	// Another token has its own quota.
	_, err = client.Relay(ctx, testPayload(), srv.URL, "token-2")
	require.NoError(t, err)
	require.EqualValues(t, 2, srv.hits.Load())
}

func TestRelayReservationCountsCallsInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, hit int64) {
		<-release
		WriteUsageHeaders(w.Header(), Usage{TotalCalls: 2, MaxCalls: 2, Remaining: 0})
		w.WriteHeader(http.StatusOK)
	})
	store := cache.NewMemoryStore(nil)
	client := NewClient(store)
	ctx := context.Background()

	seed, _ := json.Marshal(Usage{TotalCalls: 1, MaxCalls: 2, Remaining: 1})
	require.NoError(t, store.Set(ctx, usageKey(crypto.Fingerprint("tok")), seed, time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := client.Relay(ctx, testPayload(), srv.URL, "tok")
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.ErrorIs(t, err, ErrQuotaExhausted)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, srv.hits.Load())
}

func TestRelayCountsCallsLocallyWithoutUsageHeaders(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, hit int64) {
		if hit == 1 {
			WriteUsageHeaders(w.Header(), Usage{TotalCalls: 8, MaxCalls: 10, Remaining: 2})
		}
		if hit == 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	client := NewClient(cache.NewMemoryStore(nil))
	ctx := context.Background()

	_, err := client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.NoError(t, err)

	res, err := client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	require.EqualValues(t, 9, res.Usage.TotalCalls)
	require.EqualValues(t, 1, res.Usage.Remaining)

	_, err = client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.ErrorIs(t, err, ErrRemote)

	usage, ok := client.Usage(ctx, "tok")
	require.True(t, ok)
	require.EqualValues(t, 9, usage.TotalCalls)
	require.EqualValues(t, 1, usage.FailedCalls)

	_, err = client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.NoError(t, err)
	require.EqualValues(t, 4, srv.hits.Load())

	_, err = client.Relay(ctx, testPayload(), srv.URL, "tok")
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.EqualValues(t, 4, srv.hits.Load(), "locally counted quota must stop the call")

	// Forget drops the local counts along with the snapshot.
	require.NoError(t, client.Forget(ctx, "tok"))
	_, ok = client.Usage(ctx, "tok")
	require.False(t, ok)
}

func TestRelayRejectedTokenFailsFast(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := NewClient(cache.NewMemoryStore(nil))
	ctx := context.Background()

	res, err := client.Relay(ctx, testPayload(), srv.URL, "bad")
	require.ErrorIs(t, err, ErrRelayTokenRejected)
	require.Equal(t, OutcomeUnauthorized, res.Outcome)

	for i := 0; i < 3; i++ {
		_, err = client.Relay(ctx, testPayload(), srv.URL, "bad")
		require.ErrorIs(t, err, ErrRelayTokenRejected)
	}
	require.EqualValues(t, 1, srv.hits.Load())

	require.NoError(t, client.Forget(ctx, "bad"))
	_, err = client.Relay(ctx, testPayload(), srv.URL, "bad")
	require.ErrorIs(t, err, ErrRelayTokenRejected)
	require.EqualValues(t, 2, srv.hits.Load())
}

func TestRelayRemoteOutcomes(t *testing.T) {
	t.Run("too many requests", func(t *testing.T) {
		srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		client := NewClient(cache.NewMemoryStore(nil))
		res, err := client.Relay(context.Background(), testPayload(), srv.URL, "t")
		require.ErrorIs(t, err, ErrQuotaExhausted)
		require.Equal(t, OutcomeQuotaExhausted, res.Outcome)

		_, err = client.Relay(context.Background(), testPayload(), srv.URL, "t")
		require.ErrorIs(t, err, ErrQuotaExhausted)
		require.EqualValues(t, 1, srv.hits.Load())
	})

	t.Run("gone device", func(t *testing.T) {
		srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
			w.WriteHeader(http.StatusGone)
		})
		res, err := NewClient(cache.NewMemoryStore(nil)).Relay(context.Background(), testPayload(), srv.URL, "t")
		require.ErrorIs(t, err, ErrRemote)
		require.True(t, res.TokenInvalid)
	})

	t.Run("server error", func(t *testing.T) {
		srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
			http.Error(w, "boom", http.StatusBadGateway)
		})
		res, err := NewClient(cache.NewMemoryStore(nil)).Relay(context.Background(), testPayload(), srv.URL, "t")
		require.ErrorIs(t, err, ErrRemote)
		require.Equal(t, OutcomeRemoteError, res.Outcome)
		require.Equal(t, http.StatusBadGateway, res.StatusCode)
		require.Contains(t, res.Error, "boom")
	})

	t.Run("timeout", func(t *testing.T) {
		srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		})
		client := NewClient(cache.NewMemoryStore(nil), WithTimeout(20*time.Millisecond))
		res, err := client.Relay(context.Background(), testPayload(), srv.URL, "t")
		require.ErrorIs(t, err, ErrUnreachable)
		require.Equal(t, OutcomeUnreachable, res.Outcome)
	})
}

func TestRelayStoreFailureFailsOpen(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		w.WriteHeader(http.StatusAccepted)
	})
	client := NewClient(brokenStore{})
	res, err := client.Relay(context.Background(), testPayload(), srv.URL, "t")
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestParseUsageHeaders(t *testing.T) {
	h := http.Header{}
	_, ok := ParseUsageHeaders(h)
	require.False(t, ok)

	h.Set(HeaderTotalCalls, "7")
	h.Set(HeaderMaxCalls, "10")
	h.Set(HeaderResetAt, "2026-11-01T00:00:00Z")
	u, ok := ParseUsageHeaders(h)
	require.True(t, ok)
	require.EqualValues(t, 3, u.Remaining)
	require.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), *u.ResetAt)
	require.False(t, u.Exhausted())
}

type brokenStore struct{}

var errBroken = errors.New("store down")

func (brokenStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errBroken
}
func (brokenStore) Decrement(context.Context, string) (int64, error) { return 0, errBroken }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBroken }
func (brokenStore) Delete(context.Context, ...string) error           { return errBroken }
