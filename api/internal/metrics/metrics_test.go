package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Verdict(verdict.None)
	m.Verdict(verdict.RateLimited)
	m.Verdict(verdict.RateLimited)
	m.ClassifierCall(verdict.StageSafety, "allowed", 20*time.Millisecond)
	m.ImageIssues([]string{"blurry", "too_dark"})

	body := scrape(t, m)
	assert.Contains(t, body, `gate_verdicts_total{category="allowed"} 1`)
	assert.Contains(t, body, `gate_verdicts_total{category="RateLimited"} 2`)
	assert.Contains(t, body, `gate_classifier_calls_total{outcome="allowed",stage="safety"} 1`)
	assert.Contains(t, body, `gate_image_quality_issues_total{issue="blurry"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Verdict(verdict.Blacklisted)
		m.StageTook(verdict.StageSafety, time.Second)
		m.ClassifierCall(verdict.StageSafety, "error", time.Second)
		m.ImageIssues([]string{"blurry"})
	})
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.WatchReputation(func() reputation.Summary {
		return reputation.Summary{TrackedClients: 10, BlacklistedClients: 2}
	})
	pool := workpool.New("image", 2)
	m.WatchPool(pool)
	release, ok := pool.TryAcquire()
	require.True(t, ok)
	defer release()

	body := scrape(t, m)
	assert.Contains(t, body, "gate_blacklisted_clients 2")
	assert.Contains(t, body, "gate_tracked_clients 10")
	assert.Contains(t, body, `gate_pool_in_use{pool="image"} 1`)
}
