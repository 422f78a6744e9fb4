package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Admission(201)
	m.Admission(503)
	m.QueueCleared()
	m.WatchdogRestart("inbox-worker")
	m.RegisterQueueLength(func() int { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `stegofed_inbox_admissions_total{code="503"} 1`), text)
	assert.Contains(t, text, "stegofed_inbox_queue_clears_total 1")
	assert.Contains(t, text, `stegofed_watchdog_restarts_total{worker="inbox-worker"} 1`)
	assert.Contains(t, text, "stegofed_inbox_queue_length 7")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Admission(400)
	m.Verification("accept")
	m.Delivery("ok")
	m.SlotEviction("hard")
	m.WatchdogRestart("x")
	m.QueueCleared()
	m.KeyFetch("ok")
	m.RegisterQueueLength(func() int { return 0 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
