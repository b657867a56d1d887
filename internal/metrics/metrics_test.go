package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordEventApplied("game:phase:change")
	r.RecordEventDropped("game:phase:change", "stale")
	r.RecordResync()
	require.Equal(t, Snapshot{}, r.Totals())
}

func TestTotals(t *testing.T) {
	r := NewRecorder(nil)
	r.RecordEventApplied("game:started")
	r.RecordEventApplied("game:phase:change")
	r.RecordEventDropped("game:phase:change", "stale")
	r.RecordTransition("question", "answering")
	r.RecordResync()
	r.RecordFetchRetry("not_found")
	r.RecordFetchFailure("current_question")
	r.RecordBroadcast()

	got := r.Totals()
	require.Equal(t, 2, got.EventsApplied)
	require.Equal(t, 1, got.EventsDropped)
	require.Equal(t, 1, got.Transitions)
	require.Equal(t, 1, got.Resyncs)
	require.Equal(t, 1, got.FetchRetries)
	require.Equal(t, 1, got.FetchFailures)
	require.Equal(t, 1, got.Broadcasts)
}

func TestPrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordEventApplied("game:phase:change")
	r.RecordEventApplied("game:phase:change")
	r.RecordEventDropped("game:phase:change", "stale")

	applied := testutil.ToFloat64(r.prom.eventsApplied.WithLabelValues("game:phase:change"))
	require.Equal(t, float64(2), applied)
	dropped := testutil.ToFloat64(r.prom.eventsDropped.WithLabelValues("game:phase:change", "stale"))
	require.Equal(t, float64(1), dropped)
}
