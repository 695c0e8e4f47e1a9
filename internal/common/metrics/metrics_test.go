package metrics_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mtatracker-data/internal/common/metrics"
)

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestCollectorCounts(t *testing.T) {
	c := metrics.NewCollector()

	c.PollObserved("L", "ok", 120*time.Millisecond)
	c.PollObserved("L", "transport", time.Second)
	c.IntentsObserved("L", map[string]int{"created": 4, "unchanged": 2})
	c.IntentsObserved("L", map[string]int{"created": 1})
	c.EntityErrorsAdd("L", "reconcile", 0)
	c.EntityErrorsAdd("L", "persist", 2)
	c.CleanupObserved("vehicle_position_history", 7)
	c.NATSSetConnected(true)

	body := scrape(t, c)
	assert.Contains(t, body, `mtatracker_polls_total{outcome="ok",source="L"} 1`)
	assert.Contains(t, body, `mtatracker_polls_total{outcome="transport",source="L"} 1`)
	assert.Contains(t, body, `mtatracker_intents_total{action="created",source="L"} 5`)
	assert.Contains(t, body, `mtatracker_intents_total{action="unchanged",source="L"} 2`)
	assert.Contains(t, body, `mtatracker_entity_errors_total{kind="persist",source="L"} 2`)
	assert.NotContains(t, body, `kind="reconcile"`)
	assert.Contains(t, body, `mtatracker_cleanup_deleted_total{table="vehicle_position_history"} 7`)
	assert.Contains(t, body, "mtatracker_nats_connected 1")
	assert.Contains(t, body, `mtatracker_last_success_timestamp_seconds{source="L"}`)
}

func TestFailedPollLeavesLastSuccessUnset(t *testing.T) {
	c := metrics.NewCollector()
	c.PollObserved("ACE", "decode", time.Millisecond)

	body := scrape(t, c)
	assert.Contains(t, body, `mtatracker_polls_total{outcome="decode",source="ACE"} 1`)
	assert.NotContains(t, body, `mtatracker_last_success_timestamp_seconds{source="ACE"}`)
}
