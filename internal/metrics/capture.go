// Package metrics provides Prometheus metrics for capture monitors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	capturePackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "packets_total",
		Help:      "Coded packets captured",
	}, []string{"monitor_id", "kind"})

	captureBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "bytes_total",
		Help:      "Bytes of coded packet data captured",
	}, []string{"monitor_id"})

	captureReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "read_errors_total",
		Help:      "Packet read failures by class",
	}, []string{"monitor_id", "code"})

	capturePrimes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "primes_total",
		Help:      "Session prime attempts by result",
	}, []string{"monitor_id", "result"})

	captureActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "capturing",
		Help:      "1 while the monitor session is capturing",
	}, []string{"monitor_id"})

	capturePosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "capture",
		Name:      "position_seconds",
		Help:      "Latest presentation time relative to the first packet",
	}, []string{"monitor_id", "kind"})

	// Local cache for API access.
	captureCache   = make(map[string]*CaptureMetrics)
	captureCacheMu sync.RWMutex
)

// CaptureMetrics holds current metric values for a monitor.
type CaptureMetrics struct {
	Packets    uint64
	Bytes      uint64
	ReadErrors uint64
	Primes     uint64
	Capturing  bool
}

// AddCapturedPacket records one captured packet.
func AddCapturedPacket(monitorID, kind string, size int) {
	capturePackets.WithLabelValues(monitorID, kind).Inc()
	captureBytes.WithLabelValues(monitorID).Add(float64(size))
	updateCache(monitorID, func(m *CaptureMetrics) {
		m.Packets++
		m.Bytes += uint64(size)
	})
}

// AddReadError records a failed read of class code.
func AddReadError(monitorID, code string) {
	captureReadErrors.WithLabelValues(monitorID, code).Inc()
	updateCache(monitorID, func(m *CaptureMetrics) { m.ReadErrors++ })
}

// AddPrime records a prime attempt.
func AddPrime(monitorID string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	capturePrimes.WithLabelValues(monitorID, result).Inc()
	updateCache(monitorID, func(m *CaptureMetrics) { m.Primes++ })
}

// SetCapturing sets whether the monitor session is capturing.
func SetCapturing(monitorID string, capturing bool) {
	v := 0.0
	if capturing {
		v = 1
	}
	captureActive.WithLabelValues(monitorID).Set(v)
	updateCache(monitorID, func(m *CaptureMetrics) { m.Capturing = capturing })
}

// SetPosition sets the relative presentation time of a stream kind.
func SetPosition(monitorID, kind string, seconds float64) {
	capturePosition.WithLabelValues(monitorID, kind).Set(seconds)
}

// DeleteCaptureMetrics removes all metrics for a monitor.
func DeleteCaptureMetrics(monitorID string) {
	labels := prometheus.Labels{"monitor_id": monitorID}
	capturePackets.DeletePartialMatch(labels)
	captureBytes.DeleteLabelValues(monitorID)
	captureReadErrors.DeletePartialMatch(labels)
	capturePrimes.DeletePartialMatch(labels)
	captureActive.DeleteLabelValues(monitorID)
	capturePosition.DeletePartialMatch(labels)

	captureCacheMu.Lock()
	delete(captureCache, monitorID)
	captureCacheMu.Unlock()
}

// GetCaptureMetrics returns current metric values for a monitor.
func GetCaptureMetrics(monitorID string) *CaptureMetrics {
	captureCacheMu.RLock()
	defer captureCacheMu.RUnlock()
	if m, ok := captureCache[monitorID]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllCaptureMetrics returns metrics for all monitors.
func GetAllCaptureMetrics() map[string]*CaptureMetrics {
	captureCacheMu.RLock()
	defer captureCacheMu.RUnlock()
	result := make(map[string]*CaptureMetrics, len(captureCache))
	for id, m := range captureCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(monitorID string, update func(*CaptureMetrics)) {
	captureCacheMu.Lock()
	defer captureCacheMu.Unlock()
	m, ok := captureCache[monitorID]
	if !ok {
		m = &CaptureMetrics{}
		captureCache[monitorID] = m
	}
	update(m)
}
