package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Health statuses reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var probeLatency, _ = otel.Meter("github.com/thebtf/recordkit/internal/db/gorm").
	Float64Histogram("recordkit.datasource.probe.latency",
		metric.WithDescription("Latency of data source health probes"),
		metric.WithUnit("ms"))

// HealthThresholds decide when a reachable data source counts as degraded.
type HealthThresholds struct {
	PoolUtilization float64       // share of open connections in use
	WaitCount       int64         // together with WaitDuration
	WaitDuration    time.Duration //
	P95Latency      time.Duration // needs minProbeSamples probes
}

// DefaultHealthThresholds are used by every new Store.
var DefaultHealthThresholds = HealthThresholds{
	PoolUtilization: 0.8,
	WaitCount:       100,
	WaitDuration:    100 * time.Millisecond,
	P95Latency:      50 * time.Millisecond,
}

// HealthInfo is the result of one probe of a data source.
type HealthInfo struct {
	Timestamp    time.Time     `json:"timestamp"`
	Key          string        `json:"key"`
	Driver       string        `json:"driver"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Warning      string        `json:"warning,omitempty"`
	Probes       ProbeStats    `json:"probes"`
	Pool         PoolStats     `json:"pool"`
	QueryLatency time.Duration `json:"query_latency_ns"`
}

// PoolStats is the subset of sql.DBStats health decisions look at.
type PoolStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ns"`
	PeakInUse       int           `json:"peak_in_use"`
}

// ProbeStats aggregates the latencies of recent probes.
type ProbeStats struct {
	Last    time.Time     `json:"last"`
	Total   int64         `json:"total"`
	Samples int           `json:"samples"`
	Avg     time.Duration `json:"avg_ns"`
	Min     time.Duration `json:"min_ns"`
	Max     time.Duration `json:"max_ns"`
	P95     time.Duration `json:"p95_ns,omitempty"`
}

const minProbeSamples = 20

// probeWindow keeps the latencies of the last size probes.
type probeWindow struct {
	last      time.Time
	samples   []time.Duration
	next      int
	total     int64
	peakInUse int
	mu        sync.Mutex
}

func newProbeWindow(size int) *probeWindow {
	if size <= 0 {
		size = 100
	}
	return &probeWindow{samples: make([]time.Duration, 0, size)}
}

func (w *probeWindow) add(d time.Duration, inUse int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, d)
	} else {
		w.samples[w.next] = d
		w.next = (w.next + 1) % len(w.samples)
	}
	w.total++
	w.last = time.Now()
	w.peakInUse = max(w.peakInUse, inUse)
}

func (w *probeWindow) stats() (ProbeStats, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := ProbeStats{Last: w.last, Total: w.total, Samples: len(w.samples)}
	if len(w.samples) == 0 {
		return st, w.peakInUse
	}

	sorted := slices.Sorted(slices.Values(w.samples))
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	st.Avg = sum / time.Duration(len(sorted))
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	if len(sorted) >= minProbeSamples {
		st.P95 = sorted[len(sorted)*95/100]
	}
	return st, w.peakInUse
}

// healthCache holds the last probe result for ttl.
type healthCache struct {
	at   time.Time
	info *HealthInfo
	ttl  time.Duration
	mu   sync.Mutex
}

// HealthCheck returns the last probe result while it is fresh, and probes
// otherwise.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.health.mu.Lock()
	info, at := s.health.info, s.health.at
	s.health.mu.Unlock()

	if info != nil && time.Since(at) < s.health.ttl {
		return info
	}
	return s.HealthCheckForce(ctx)
}

// HealthCheckForce probes the data source regardless of the cache.
func (s *Store) HealthCheckForce(ctx context.Context) *HealthInfo {
	info := s.probe(ctx)

	s.health.mu.Lock()
	s.health.info, s.health.at = info, time.Now()
	s.health.mu.Unlock()
	return info
}

// ProbeStats returns the aggregated probe latencies without probing.
func (s *Store) ProbeStats() ProbeStats {
	st, _ := s.probes.stats()
	return st
}

// SetHealthThresholds replaces the degradation thresholds.
func (s *Store) SetHealthThresholds(t HealthThresholds) {
	s.health.mu.Lock()
	s.thresholds = t
	s.health.info = nil
	s.health.mu.Unlock()
}

func (s *Store) probe(ctx context.Context) *HealthInfo {
	ctx, cancel := context.WithTimeout(ctx, FastQueryTimeout)
	defer cancel()

	start := time.Now()
	var one int
	err := s.DB.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
	latency := time.Since(start)

	stats := s.sqlDB.Stats()
	s.probes.add(latency, stats.InUse)
	probes, peak := s.probes.stats()

	outcome := StatusHealthy
	if err != nil {
		outcome = StatusUnhealthy
	}
	probeLatency.Record(ctx, float64(latency)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("key", s.Key),
		attribute.String("outcome", outcome),
	))

	info := &HealthInfo{
		Timestamp:    time.Now(),
		Key:          s.Key,
		Driver:       s.Driver,
		Status:       StatusHealthy,
		Probes:       probes,
		Pool:         poolStats(stats, peak),
		QueryLatency: latency,
	}
	if err != nil {
		info.Status = StatusUnhealthy
		info.Error = err.Error()
		return info
	}

	s.health.mu.Lock()
	t := s.thresholds
	s.health.mu.Unlock()

	if warnings := degradation(t, stats, probes); len(warnings) > 0 {
		info.Status = StatusDegraded
		info.Warning = strings.Join(warnings, "; ")
	}
	return info
}

func poolStats(stats sql.DBStats, peak int) PoolStats {
	return PoolStats{
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
		PeakInUse:       peak,
	}
}

func degradation(t HealthThresholds, stats sql.DBStats, probes ProbeStats) []string {
	var warnings []string
	if stats.OpenConnections > 0 && float64(stats.InUse)/float64(stats.OpenConnections) > t.PoolUtilization {
		warnings = append(warnings, fmt.Sprintf("pool %d/%d in use", stats.InUse, stats.OpenConnections))
	}
	if stats.WaitCount > t.WaitCount && stats.WaitDuration > t.WaitDuration {
		warnings = append(warnings, fmt.Sprintf("pool contention: %d waits, %v", stats.WaitCount, stats.WaitDuration))
	}
	if probes.P95 > t.P95Latency {
		warnings = append(warnings, fmt.Sprintf("p95 probe latency %v", probes.P95))
	}
	return warnings
}
