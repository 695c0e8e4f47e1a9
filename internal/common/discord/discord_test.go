package discord

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendLogMessage(t *testing.T) {
	var got WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SendLogMessage("ERROR", "poll failed", map[string]interface{}{"source": "L", "attempt": 2})
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	embed := got.Embeds[0]
	assert.Equal(t, "poll failed", embed.Description)
	assert.Equal(t, 0xFF0000, embed.Color)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "attempt", embed.Fields[0].Name)
	assert.Equal(t, "source", embed.Fields[1].Name)
	assert.Equal(t, "L", embed.Fields[1].Value)
}

func TestSendMessageStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SendMessage(WebhookMessage{Content: "hi"})
	assert.ErrorContains(t, err, "429")
}

func TestSendMessageWithoutURL(t *testing.T) {
	assert.NoError(t, NewClient("").SendMessage(WebhookMessage{Content: "hi"}))
}
