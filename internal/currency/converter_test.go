package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	rate    decimal.Decimal
	err     error
	fetches atomic.Int64
	block   bool
}

func (s *stubSource) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	s.fetches.Add(1)
	if s.block {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.rate, nil
}

func TestRateIdentity(t *testing.T) {
	c := NewConverter(nil, time.Minute, time.Second, zap.NewNop().Sugar())

	q, err := c.Rate(context.Background(), "USD", "USD")
	require.NoError(t, err)
	require.True(t, q.Rate.Equal(decimal.NewFromInt(1)))
	require.False(t, q.Stale)
}

func TestRateCachesLiveQuotes(t *testing.T) {
	src := &stubSource{rate: decimal.RequireFromString("0.05")}
	c := NewConverter(src, time.Minute, time.Second, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		q, err := c.Rate(context.Background(), "MXN", "USD")
		require.NoError(t, err)
		require.True(t, q.Rate.Equal(decimal.RequireFromString("0.05")))
		require.False(t, q.Stale)
	}
	require.Equal(t, int64(1), src.fetches.Load())
}

func TestRateServesLastKnownWhenSourceFails(t *testing.T) {
	src := &stubSource{rate: decimal.RequireFromString("0.05")}
	c := NewConverter(src, 10*time.Millisecond, time.Second, zap.NewNop().Sugar())

	q, err := c.Rate(context.Background(), "MXN", "USD")
	require.NoError(t, err)
	require.False(t, q.Stale)

	// Upstream dies and the cached quote expires.
	src.err = errors.New("upstream down")
	time.Sleep(50 * time.Millisecond)

	q, err = c.Rate(context.Background(), "MXN", "USD")
	require.NoError(t, err)
	require.True(t, q.Stale)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("0.05")))
}

func TestRateFallbackTable(t *testing.T) {
	src := &stubSource{err: errors.New("upstream down")}
	c := NewConverter(src, time.Minute, time.Second, zap.NewNop().Sugar())

	q, err := c.Rate(context.Background(), "USD", "KES")
	require.NoError(t, err)
	require.True(t, q.Stale)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("129.5")))
}

func TestRateUnavailableForUnknownPair(t *testing.T) {
	c := NewConverter(nil, time.Minute, time.Second, zap.NewNop().Sugar())

	_, err := c.Rate(context.Background(), "USD", "XYZ")
	require.Error(t, err)
}

func TestRateFetchTimeoutBounded(t *testing.T) {
	src := &stubSource{block: true}
	c := NewConverter(src, time.Minute, 20*time.Millisecond, zap.NewNop().Sugar())

	start := time.Now()
	q, err := c.Rate(context.Background(), "USD", "KES")
	elapsed := time.Since(start)

	// A hung upstream degrades to the fallback table instead of stalling.
	require.NoError(t, err)
	require.True(t, q.Stale)
	require.Less(t, elapsed, time.Second)
}

func TestHTTPRateSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "MXN", r.URL.Query().Get("base"))
		require.Equal(t, "USD", r.URL.Query().Get("quote"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pair":"MXN/USD","rate":0.05}`))
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL)
	rate, err := src.Fetch(context.Background(), "MXN", "USD")
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("0.05")))
}

func TestHTTPRateSourceRejectsBadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("quote") {
		case "NGN":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(`{"rate":-1}`))
		}
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL)

	_, err := src.Fetch(context.Background(), "USD", "NGN")
	require.Error(t, err)

	_, err = src.Fetch(context.Background(), "USD", "KES")
	require.Error(t, err)
}
