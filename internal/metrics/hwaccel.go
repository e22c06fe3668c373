package metrics

import (
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hwDeviceLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "hwaccel",
		Name:      "device_load_percent",
		Help:      "Hardware codec block load percentage",
	}, []string{"device"})

	hwDeviceUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturenode",
		Subsystem: "hwaccel",
		Name:      "device_utilization_percent",
		Help:      "Hardware codec block utilization percentage",
	}, []string{"device"})

	hwCache   = make(map[string]HWDeviceLoad)
	hwCacheMu sync.RWMutex
)

// HWDeviceLoad is the latest reading of a hardware codec block.
type HWDeviceLoad struct {
	Load        float64
	Utilization float64
}

// SetHWDeviceLoad records a reading for device.
func SetHWDeviceLoad(device string, load, utilization float64) {
	hwDeviceLoad.WithLabelValues(device).Set(load)
	hwDeviceUtilization.WithLabelValues(device).Set(utilization)

	hwCacheMu.Lock()
	hwCache[device] = HWDeviceLoad{Load: load, Utilization: utilization}
	hwCacheMu.Unlock()
}

// DeleteHWDeviceLoad removes all metrics for a device.
func DeleteHWDeviceLoad(device string) {
	hwDeviceLoad.DeleteLabelValues(device)
	hwDeviceUtilization.DeleteLabelValues(device)

	hwCacheMu.Lock()
	delete(hwCache, device)
	hwCacheMu.Unlock()
}

// GetHWDeviceLoads returns the latest reading of every device.
func GetHWDeviceLoads() map[string]HWDeviceLoad {
	hwCacheMu.RLock()
	defer hwCacheMu.RUnlock()
	return maps.Clone(hwCache)
}
