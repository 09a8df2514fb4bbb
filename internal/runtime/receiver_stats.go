package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/transport"
)

const latencySampleSize = 256

// ReceiverStats accumulates per-receiver processing statistics.
type ReceiverStats struct {
	mu sync.Mutex

	received    uint64
	outcomes    map[transport.Outcome]uint64
	errors      map[errspkg.ErrorClass]uint64
	lastError   string
	inFlight    int64
	maxInFlight int64
	lastAt      time.Time
	latency     *latencyWindow
}

// ReceiverStatsSnapshot is the JSON view of ReceiverStats.
type ReceiverStatsSnapshot struct {
	MessagesReceived uint64            `json:"messages_received"`
	Completed        uint64            `json:"completed"`
	Retried          uint64            `json:"retried"`
	DeadLettered     uint64            `json:"dead_lettered"`
	Abandoned        uint64            `json:"abandoned"`
	Errors           map[string]uint64 `json:"errors"`
	LastError        string            `json:"last_error,omitempty"`
	InFlight         int64             `json:"in_flight"`
	MaxInFlight      int64             `json:"max_in_flight"`
	LastProcessedAt  time.Time         `json:"last_processed_at,omitempty"`
	Latency          LatencyMetrics    `json:"latency"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

func newReceiverStats() *ReceiverStats {
	return &ReceiverStats{
		outcomes: make(map[transport.Outcome]uint64),
		errors:   make(map[errspkg.ErrorClass]uint64),
		latency:  newLatencyWindow(latencySampleSize),
	}
}

func (s *ReceiverStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

func (s *ReceiverStats) onFinish(outcome transport.Outcome, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.outcomes[outcome]++
	if err != nil {
		s.errors[errspkg.Classify(err)]++
		s.lastError = err.Error()
	}
	s.lastAt = time.Now()
	s.latency.Add(d)
}

// Snapshot returns a consistent copy of the counters.
func (s *ReceiverStats) Snapshot() ReceiverStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make(map[string]uint64, len(s.errors))
	for class, n := range s.errors {
		errs[string(class)] = n
	}
	return ReceiverStatsSnapshot{
		MessagesReceived: s.received,
		Completed:        s.outcomes[transport.OutcomeComplete],
		Retried:          s.outcomes[transport.OutcomeRetry],
		DeadLettered:     s.outcomes[transport.OutcomeDeadLetter],
		Abandoned:        s.outcomes[transport.OutcomeAbandon],
		Errors:           errs,
		LastError:        s.lastError,
		InFlight:         s.inFlight,
		MaxInFlight:      s.maxInFlight,
		LastProcessedAt:  s.lastAt,
		Latency:          s.latency.Snapshot(),
	}
}

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
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.AverageNs = sum / int64(len(samples))
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
