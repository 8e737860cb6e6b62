package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var m *Sync
	assert.NotPanics(t, func() {
		m.ObserveFetch("ok", time.Second)
		m.RecordRetry()
		m.RecordDedupHit()
		m.RecordDiscarded()
		m.RecordCompletion(false)
		m.RecordSession("logout")
	})
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSync(reg)

	m.ObserveFetch("ok", 200*time.Millisecond)
	m.ObserveFetch("error", time.Second)
	m.ObserveFetch("ok", 100*time.Millisecond)
	m.RecordRetry()
	m.RecordDedupHit()
	m.RecordDedupHit()
	m.RecordCompletion(true)
	m.RecordSession("login")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("ok")))

	n, err := testutil.GatherAndCount(reg, "dayboard_sync_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
