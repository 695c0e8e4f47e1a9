package consumer_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-realtime/consumer"
)

func newConsumer() *consumer.Consumer {
	return consumer.NewConsumer(logger.Nop(), consumer.Options{MaxRetries: 2, InitialBackoff: time.Millisecond})
}

func TestFetchSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, consumer.UserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Accept"))
		w.Write([]byte{0x0a, 0x00})
	}))
	defer srv.Close()

	result, err := newConsumer().Fetch(context.Background(), consumer.Endpoint{
		Name:   "L",
		URL:    srv.URL,
		APIKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x00}, result.Payload)
	assert.Equal(t, "L", result.Endpoint.Name)
}

func TestFetchCustomAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("x-api-key"))
	}))
	defer srv.Close()

	_, err := newConsumer().Fetch(context.Background(), consumer.Endpoint{
		Name: "L", URL: srv.URL, APIKey: "k", APIKeyHeader: "Authorization",
	})
	require.NoError(t, err)
}

func TestFetchConditionalRequest(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := newConsumer()
	ep := consumer.Endpoint{Name: "L", URL: srv.URL}

	result, err := c.Fetch(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, result.ETag)

	_, err = c.Fetch(context.Background(), ep)
	assert.ErrorIs(t, err, consumer.ErrNotModified)
	assert.Equal(t, int32(2), requests.Load(), "304 is not retried")

	c.Invalidate("L")
	_, err = c.Fetch(context.Background(), ep)
	require.NoError(t, err)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	result, err := newConsumer().Fetch(context.Background(), consumer.Endpoint{Name: "L", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Payload))
	assert.Equal(t, int32(2), requests.Load())
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newConsumer().Fetch(context.Background(), consumer.Endpoint{Name: "L", URL: srv.URL})
	var terr *consumer.TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "L", terr.Source)
	assert.Equal(t, http.StatusForbidden, terr.StatusCode)
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newConsumer().Fetch(context.Background(), consumer.Endpoint{Name: "L", URL: srv.URL})
	var terr *consumer.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := newConsumer().Fetch(ctx, consumer.Endpoint{Name: "L", URL: url})
	var terr *consumer.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Zero(t, terr.StatusCode)
}
