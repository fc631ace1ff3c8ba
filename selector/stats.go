package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/aiflow/backend"
)

// BackendMetrics summarizes calls made to one backend.
type BackendMetrics struct {
	Backend         backend.Backend `json:"backend"`
	TotalCalls      int             `json:"total_calls"`
	SuccessfulCalls int             `json:"successful_calls"`
	FailedCalls     int             `json:"failed_calls"`
	AvgResponseTime time.Duration   `json:"avg_response_time"`
	LastUsed        time.Time       `json:"last_used"`
}

// SuccessRate returns the fraction of successful calls, or 1 when no calls
// have been recorded.
func (m BackendMetrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 1
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}

// Stats accumulates in-process backend usage. It implements
// backend.CallObserver and is safe for concurrent use.
type Stats struct {
	mu    sync.Mutex
	stats map[backend.Backend]*BackendMetrics
	now   func() time.Time
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{stats: map[backend.Backend]*BackendMetrics{}, now: time.Now}
}

// ObserveCall implements backend.CallObserver.
func (s *Stats) ObserveCall(_ context.Context, record backend.CallRecord) {
	s.Record(record.Backend, record.Success, record.Duration)
}

// Record adds one call to the running totals.
func (s *Stats) Record(b backend.Backend, success bool, responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stats[b]
	if !ok {
		m = &BackendMetrics{Backend: b}
		s.stats[b] = m
	}
	m.TotalCalls++
	if success {
		m.SuccessfulCalls++
	} else {
		m.FailedCalls++
	}
	n := time.Duration(m.TotalCalls)
	m.AvgResponseTime = (m.AvgResponseTime*(n-1) + responseTime) / n
	m.LastUsed = s.now()
}

// Get returns the metrics for b.
func (s *Stats) Get(b backend.Backend) (BackendMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stats[b]
	if !ok {
		return BackendMetrics{Backend: b}, false
	}
	return *m, true
}

// SuccessRate returns the success rate of b, or 1 when unknown.
func (s *Stats) SuccessRate(b backend.Backend) float64 {
	m, _ := s.Get(b)
	return m.SuccessRate()
}

// All returns metrics for every backend ordered by successful calls,
// most first.
func (s *Stats) All() []BackendMetrics {
	s.mu.Lock()
	out := make([]BackendMetrics, 0, len(s.stats))
	for _, m := range s.stats {
		out = append(out, *m)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessfulCalls != out[j].SuccessfulCalls {
			return out[i].SuccessfulCalls > out[j].SuccessfulCalls
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

// Recommendations renders usage statistics as markdown.
func (s *Stats) Recommendations() string {
	all := s.All()
	if len(all) == 0 {
		return "No backend usage data available yet."
	}
	var b strings.Builder
	b.WriteString("# Backend Usage Statistics\n\n")
	for _, m := range all {
		fmt.Fprintf(&b, "## %s\n", m.Backend)
		fmt.Fprintf(&b, "- Total Calls: %d\n", m.TotalCalls)
		fmt.Fprintf(&b, "- Success Rate: %.1f%%\n", m.SuccessRate()*100)
		fmt.Fprintf(&b, "- Avg Response Time: %dms\n", m.AvgResponseTime.Milliseconds())
		fmt.Fprintf(&b, "- Last Used: %s\n\n", m.LastUsed.UTC().Format(time.RFC3339))
	}
	return b.String()
}
