package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PriceUSD(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))

		switch r.URL.Query().Get("ids") {
		case "pha":
			_, _ = w.Write([]byte(`{"pha":{"usd":0.1234}}`))
		case "interlay":
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL + "/", IDs: "PHA=pha, intr=interlay,GLMR=moonbeam"})
	require.NoError(t, err)
	ctx := context.Background()

	price, err := c.PriceUSD(ctx, "pha")
	require.NoError(t, err)
	assert.Equal(t, "0.1234", price.String())

	price, err = c.PriceUSD(ctx, "INTR")
	require.NoError(t, err)
	assert.True(t, price.IsZero())

	price, err = c.PriceUSD(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.True(t, price.IsZero())

	_, err = c.PriceUSD(ctx, "GLMR")
	assert.ErrorContains(t, err, "429")
}

func TestClient_SharedQuoteSurvivesCancelledCaller(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"polkadot":{"usd":7.5}}`))
	}))
	defer server.Close()

	c, err := New(Config{URL: server.URL, IDs: "DOT=polkadot", Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.PriceUSD(ctx, "DOT")
		first <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		price, err := c.PriceUSD(context.Background(), "DOT")
		assert.NoError(t, err)
		second <- price.String()
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, "7.5", <-second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_RejectsMalformedIDs(t *testing.T) {
	_, err := New(Config{IDs: "DOT"})
	assert.Error(t, err)
}
