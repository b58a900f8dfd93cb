package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, c *Client, url string) (*Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestDoReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)

	// Non-2xx is not a transport error; the exchange layer reads the envelope.
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(resp.Body))
}

func TestBreakerOpensAfterRepeatedServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(time.Second)
	for i := 0; i < 10; i++ {
		resp, err := get(t, c, srv.URL)
		if err != nil {
			assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
			return
		}
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	t.Fatal("breaker never opened")
}

func TestTooManyRequestsDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(time.Second)
	for i := 0; i < 20; i++ {
		resp, err := get(t, c, srv.URL)
		require.NoError(t, err, "throttling must never open the breaker")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	}
}
