package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder captures counters about event handling and fetches. All methods
// are safe on a nil receiver so wiring stays optional in tests. The
// in-memory tallies back the accessor methods; the Prometheus collectors
// feed the /metrics endpoint.
type Recorder struct {
	mu    sync.Mutex
	stats Snapshot
	prom  *instruments
}

// Snapshot is a copy of the aggregate counters.
type Snapshot struct {
	EventsApplied int
	EventsDropped int
	Transitions   int
	Resyncs       int
	FetchRetries  int
	FetchFailures int
	Broadcasts    int
}

type instruments struct {
	eventsApplied *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	resyncs       prometheus.Counter
	fetchRetries  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	broadcasts    prometheus.Counter
}

// NewRecorder registers the collectors with reg and returns a ready
// Recorder. Pass nil to keep metrics purely in memory.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{}
	if reg == nil {
		return r
	}
	f := promauto.With(reg)
	r.prom = &instruments{
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveview_events_applied_total",
			Help: "Realtime events applied to room state.",
		}, []string{"event"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveview_events_dropped_total",
			Help: "Realtime events dropped as stale or invalid.",
		}, []string{"event", "reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveview_phase_transitions_total",
			Help: "Phase transitions by source and target phase.",
		}, []string{"from", "to"}),
		resyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "liveview_timer_resyncs_total",
			Help: "Local countdown snaps to the server-derived value.",
		}),
		fetchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveview_fetch_retries_total",
			Help: "Question fetch retries by kind.",
		}, []string{"kind"}),
		fetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveview_fetch_failures_total",
			Help: "API fetches that gave up after exhausting retries.",
		}, []string{"op"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "liveview_snapshot_broadcasts_total",
			Help: "Room snapshots fanned out to subscribers.",
		}),
	}
	return r
}

func (r *Recorder) RecordEventApplied(event string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.EventsApplied++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.eventsApplied.WithLabelValues(event).Inc()
	}
}

func (r *Recorder) RecordEventDropped(event, reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.EventsDropped++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.eventsDropped.WithLabelValues(event, reason).Inc()
	}
}

func (r *Recorder) RecordTransition(from, to string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Transitions++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.transitions.WithLabelValues(from, to).Inc()
	}
}

func (r *Recorder) RecordResync() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Resyncs++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.resyncs.Inc()
	}
}

func (r *Recorder) RecordFetchRetry(kind string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.FetchRetries++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.fetchRetries.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) RecordFetchFailure(op string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.FetchFailures++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.fetchFailures.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) RecordBroadcast() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Broadcasts++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.broadcasts.Inc()
	}
}

// Totals returns a copy of the aggregate counters.
func (r *Recorder) Totals() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
