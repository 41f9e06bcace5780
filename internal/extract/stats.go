package extract

import (
	"context"
	"sort"
	"sync"
	"time"
)

type sample struct {
	timestamp  time.Time
	durationMs int64
}

// StatsSnapshot is a point-in-time aggregate of page extraction latencies.
// Latency fields cover the rolling window; Succeeded and Failed are totals
// since start.
type StatsSnapshot struct {
	Succeeded uint64            `json:"succeeded"`
	Failed    uint64            `json:"failed"`
	ByMethod  map[string]uint64 `json:"by_method,omitempty"`

	Count int     `json:"count"`
	MinMs int64   `json:"min_ms"`
	MaxMs int64   `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Stats tracks recent extraction latencies within a rolling window along
// with outcome counters.
type Stats struct {
	mu        sync.Mutex
	samples   []sample
	maxAge    time.Duration
	succeeded uint64
	failed    uint64
	byMethod  map[string]uint64
}

func NewStats(maxAge time.Duration) *Stats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Stats{
		samples:  make([]sample, 0, 256),
		maxAge:   maxAge,
		byMethod: make(map[string]uint64),
	}
}

// Outcome counts one finished extraction.
func (s *Stats) Outcome(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.succeeded++
	if method != "" {
		s.byMethod[method]++
	}
}

func (s *Stats) Record(durationMs int64) {
	if durationMs < 0 {
		durationMs = 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	s.samples = append(s.samples, sample{
		timestamp:  now,
		durationMs: durationMs,
	})
}

func (s *Stats) Snapshot() StatsSnapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Succeeded: s.succeeded,
		Failed:    s.failed,
		ByMethod:  make(map[string]uint64, len(s.byMethod)),
	}
	for k, v := range s.byMethod {
		snap.ByMethod[k] = v
	}

	s.pruneLocked(now)
	if len(s.samples) == 0 {
		return snap
	}

	values := make([]int64, 0, len(s.samples))
	var sum int64
	for _, sm := range s.samples {
		values = append(values, sm.durationMs)
		sum += sm.durationMs
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	snap.Count = len(values)
	snap.MinMs = values[0]
	snap.MaxMs = values[len(values)-1]
	snap.AvgMs = float64(sum) / float64(len(values))
	snap.P50Ms = percentile(values, 50)
	snap.P95Ms = percentile(values, 95)
	snap.P99Ms = percentile(values, 99)
	return snap
}

func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	writeIdx := 0
	for _, sm := range s.samples {
		if !sm.timestamp.Before(cutoff) {
			s.samples[writeIdx] = sm
			writeIdx++
		}
	}
	s.samples = s.samples[:writeIdx]
}

func percentile(sortedValues []int64, pct float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sortedValues[0])
	}
	if pct >= 100 {
		return float64(sortedValues[len(sortedValues)-1])
	}

	index := (float64(len(sortedValues)-1) * pct) / 100.0
	lower := int(index)
	upper := lower + 1
	if upper >= len(sortedValues) {
		return float64(sortedValues[lower])
	}
	if lower == upper {
		return float64(sortedValues[lower])
	}
	weight := index - float64(lower)
	lo := float64(sortedValues[lower])
	hi := float64(sortedValues[upper])
	return lo + ((hi - lo) * weight)
}

// Instrument wraps e so every call is timed and counted in s.
func Instrument(e Extractor, s *Stats) Extractor {
	return Func(func(ctx context.Context, in PageInput) (Result, error) {
		start := time.Now()
		res, err := e.ExtractPage(ctx, in)
		s.Record(time.Since(start).Milliseconds())
		s.Outcome(res.Method, err)
		return res, err
	})
}
