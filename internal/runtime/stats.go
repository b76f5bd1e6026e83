package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory groups handler failures on the status endpoint.
type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryClient    ErrorCategory = "client"
	ErrorCategoryServer    ErrorCategory = "server"
	ErrorCategoryCancelled ErrorCategory = "cancelled"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to a category.
type ErrorClassifier func(error) ErrorCategory

// ClassifyEventError is the default classifier. EventErrors are split by
// status class; cancellation and deadlines are reported separately.
func ClassifyEventError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryCancelled
	}
	var ee *errspkg.EventError
	if errors.As(err, &ee) {
		if ee.Code >= 400 && ee.Code < 500 {
			return ErrorCategoryClient
		}
		return ErrorCategoryServer
	}
	return ErrorCategoryOther
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS     float64 `json:"current_rps"`
	WindowSeconds  float64 `json:"window_seconds"`
	EventsInWindow int     `json:"events_in_window"`
}

type ErrorBreakdown struct {
	Client    uint64 `json:"client"`
	Server    uint64 `json:"server"`
	Cancelled uint64 `json:"cancelled"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

// Record counts err under category.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryClient:
		e.Client++
	case ErrorCategoryServer:
		e.Server++
	case ErrorCategoryCancelled:
		e.Cancelled++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// EventSnapshot is the status view of one (service, event) pair.
type EventSnapshot struct {
	Service       string            `json:"service"`
	Event         string            `json:"event"`
	Handled       uint64            `json:"handled"`
	Failed        uint64            `json:"failed"`
	InFlight      int64             `json:"in_flight"`
	LastHandledAt time.Time         `json:"last_handled_at"`
	Latency       LatencyMetrics    `json:"latency"`
	Throughput    ThroughputMetrics `json:"throughput"`
	Errors        ErrorBreakdown    `json:"errors"`
}

type eventStats struct {
	mu sync.Mutex

	handled       uint64
	failed        uint64
	inFlight      int64
	lastHandledAt time.Time
	errors        ErrorBreakdown

	latency    *latencyWindow
	throughput *throughputWindow
}

func newEventStats() *eventStats {
	return &eventStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

type statsKey struct {
	service string
	event   string
}

// EventStatsRecorder keeps per-event handler statistics.
type EventStatsRecorder struct {
	mu         sync.RWMutex
	events     map[statsKey]*eventStats
	classifier ErrorClassifier
	now        func() time.Time
}

// NewEventStatsRecorder creates a recorder. A nil classifier uses
// ClassifyEventError.
func NewEventStatsRecorder(classifier ErrorClassifier) *EventStatsRecorder {
	if classifier == nil {
		classifier = ClassifyEventError
	}
	return &EventStatsRecorder{
		events:     map[statsKey]*eventStats{},
		classifier: classifier,
		now:        time.Now,
	}
}

func (r *EventStatsRecorder) entry(service, event string) *eventStats {
	k := statsKey{service: service, event: event}
	r.mu.RLock()
	st, ok := r.events[k]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.events[k]; !ok {
		st = newEventStats()
		r.events[k] = st
	}
	return st
}

// Hooks returns the event hooks that feed the recorder.
func (r *EventStatsRecorder) Hooks() EventHooks {
	return EventHooks{
		OnEventStart: func(ctx EventContext) {
			st := r.entry(ctx.Service, ctx.Event)
			st.mu.Lock()
			st.inFlight++
			st.mu.Unlock()
		},
		OnEventDone: func(ctx EventContext) {
			r.finish(ctx, nil)
		},
		OnEventError: func(ctx EventContext, err error) {
			r.finish(ctx, err)
		},
	}
}

func (r *EventStatsRecorder) finish(ctx EventContext, err error) {
	st := r.entry(ctx.Service, ctx.Event)
	now := r.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight > 0 {
		st.inFlight--
	}
	st.lastHandledAt = now
	st.latency.Add(ctx.Duration)
	st.throughput.Add(now)
	if err != nil {
		st.failed++
		st.errors.Record(r.classifier(err), err)
		return
	}
	st.handled++
}

// Snapshot returns the statistics of every event seen so far, sorted by
// service then event.
func (r *EventStatsRecorder) Snapshot() []EventSnapshot {
	r.mu.RLock()
	keys := make([]statsKey, 0, len(r.events))
	entries := make(map[statsKey]*eventStats, len(r.events))
	for k, st := range r.events {
		keys = append(keys, k)
		entries[k] = st
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].service != keys[j].service {
			return keys[i].service < keys[j].service
		}
		return keys[i].event < keys[j].event
	})

	now := r.now()
	out := make([]EventSnapshot, 0, len(keys))
	for _, k := range keys {
		st := entries[k]
		st.mu.Lock()
		tp := st.throughput.Snapshot(now)
		out = append(out, EventSnapshot{
			Service:       k.service,
			Event:         k.event,
			Handled:       st.handled,
			Failed:        st.failed,
			InFlight:      st.inFlight,
			LastHandledAt: st.lastHandledAt,
			Latency:       st.latency.Snapshot(),
			Throughput: ThroughputMetrics{
				CurrentRPS:     tp.CurrentRPS,
				WindowSeconds:  tp.WindowSeconds,
				EventsInWindow: tp.Count,
			},
			Errors: st.errors,
		})
		st.mu.Unlock()
	}
	return out
}

// latencyWindow is a ring buffer of the most recent durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	sorted := make([]int64, 0, lw.filled)
	if lw.filled < len(lw.samples) {
		sorted = append(sorted, lw.samples[:lw.filled]...)
	} else {
		sorted = append(sorted, lw.samples...)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.SampleSize = len(sorted)
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[hi]-sorted[lo])*(pos-float64(lo)))
}

// throughputWindow keeps the completion times within horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.trim(now)
}

func (tw *throughputWindow) trim(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := sort.Search(len(tw.samples), func(i int) bool { return !tw.samples[i].Before(cutoff) })
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) throughputSnapshot {
	tw.trim(now)
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
