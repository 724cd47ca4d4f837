package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	lim, err := New("1-M", memory.NewStore())
	require.NoError(t, err)

	counted := Handler{Limiter: lim, Key: ByClientIP("payments")}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/payments/create-order", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")

	other := httptest.NewRequest(http.MethodPost, "/payments/create-order", nil)
	other.RemoteAddr = "198.51.100.8:4000"
	rr3 := httptest.NewRecorder()
	counted.ServeHTTP(rr3, other)
	require.Equal(t, http.StatusOK, rr3.Code)
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := New("lots", memory.NewStore())
	require.Error(t, err)
}

type failingStore struct{ limiter.Store }

func (failingStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	lim, err := New("1-S", failingStore{})
	require.NoError(t, err)

	var seen error
	counted := Handler{
		Limiter: lim,
		Key:     func(*http.Request) string { return "err" },
		OnError: func(err error) { seen = err },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualError(t, seen, "store down")
}

func TestRedisStoreSharesCounters(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "paygate:rl")
	require.NoError(t, err)
	first, err := New("2-M", store)
	require.NoError(t, err)
	second, err := New("2-M", store)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = first.Get(ctx, "ip")
	require.NoError(t, err)
	res, err := second.Get(ctx, "ip")
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Remaining)

	res, err = second.Get(ctx, "ip")
	require.NoError(t, err)
	require.True(t, res.Reached)
	require.WithinDuration(t, time.Now().Add(time.Minute), time.Unix(res.Reset, 0), 2*time.Second)
}
