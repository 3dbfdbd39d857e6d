// metrics.go - Metrics collection for the vesting daemon
package main

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/vesting"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// histogramWindow bounds how many samples a histogram keeps.
const histogramWindow = 1000

// MetricsCollector manages metrics collection
type MetricsCollector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{}
	mc.Reset()
	return mc
}

func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.counters[key]++
	mc.updateMetric(key, name, Counter, float64(mc.counters[key]), labels)
}

func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.gauges[key] = value
	mc.updateMetric(key, name, Gauge, value, labels)
}

func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	values := append(mc.histograms[key], value)
	if len(values) > histogramWindow {
		values = values[len(values)-histogramWindow:]
	}
	mc.histograms[key] = values
	mc.updateMetric(key, name, Histogram, value, labels)
}

func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics[makeKey(name, labels)]
}

// GetAllMetrics returns every metric ordered by key.
func (mc *MetricsCollector) GetAllMetrics() []*Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	keys := make([]string, 0, len(mc.metrics))
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	metrics := make([]*Metric, 0, len(keys))
	for _, k := range keys {
		metrics = append(metrics, mc.metrics[k])
	}
	return metrics
}

// GetMetricsSummary returns counters, gauges and histogram aggregates.
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	counters := make(map[string]int64, len(mc.counters))
	for k, v := range mc.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(mc.gauges))
	for k, v := range mc.gauges {
		gauges[k] = v
	}
	histograms := make(map[string]map[string]float64, len(mc.histograms))
	for k, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		h := map[string]float64{"count": float64(len(values)), "min": values[0], "max": values[0]}
		for _, v := range values {
			if v < h["min"] {
				h["min"] = v
			}
			if v > h["max"] {
				h["max"] = v
			}
			h["sum"] += v
		}
		h["avg"] = h["sum"] / h["count"]
		histograms[k] = h
	}
	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = make(map[string]*Metric)
	mc.counters = make(map[string]int64)
	mc.gauges = make(map[string]float64)
	mc.histograms = make(map[string][]float64)
}

// makeKey joins name and labels sorted by label name.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString("_" + k + "_" + labels[k])
	}
	return b.String()
}

func (mc *MetricsCollector) updateMetric(key, name string, t MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{Name: name, Type: t, Value: value, Labels: labels, Timestamp: time.Now()}
}

const (
	MetricTxCount     = "tx_count"
	MetricTxLatency   = "tx_latency_seconds"
	MetricErrorCount  = "error_count"
	MetricFHEOps      = "fhe_ops"
	MetricChainHeight = "chain_height"
	MetricUptime      = "uptime_seconds"
)

// errorKind buckets call errors for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, vesting.ErrDuplicateSchedule):
		return "duplicate_schedule"
	case errors.Is(err, vesting.ErrScheduleNotFound):
		return "schedule_not_found"
	case errors.Is(err, chain.ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, chain.ErrNonceGap):
		return "nonce_gap"
	case errors.Is(err, node.ErrWrongDomain):
		return "wrong_domain"
	case errors.Is(err, identity.ErrSignatureVerificationFailed):
		return "bad_signature"
	case errors.Is(err, permit.ErrPermissionInvalid), errors.Is(err, permit.ErrSubjectMismatch):
		return "permission"
	default:
		return "other"
	}
}

// RecordCall is the API's call observer.
func (mc *MetricsCollector) RecordCall(method string, took time.Duration, err error) {
	mc.IncrementCounter(MetricTxCount, map[string]string{"method": method})
	mc.RecordHistogram(MetricTxLatency, took.Seconds(), map[string]string{"method": method})
	if err != nil {
		mc.IncrementCounter(MetricErrorCount, map[string]string{"type": errorKind(err)})
	}
}

// RecordFHEOps copies the coprocessor's operation counts into gauges.
func (mc *MetricsCollector) RecordFHEOps(stats map[string]uint64) {
	for op, n := range stats {
		mc.SetGauge(MetricFHEOps, float64(n), map[string]string{"op": op})
	}
}
