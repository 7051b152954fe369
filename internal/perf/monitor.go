// Package perf samples host load and steers the tile refresh rate with it.
package perf

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
)

// Stress thresholds for Sample.Stressed.
const (
	StressLoad        = 1.5
	StressTemperature = 70.0
)

// ErrTemperatureNotFound is returned by Monitor.Temperature when no thermal
// zone reports a reading.
var ErrTemperatureNotFound = errors.New("perf: temperature sensors not found")

// Sample is one reading of the host.
type Sample struct {
	Load           float64 // 1 minute load average
	Temperature    float64 // mean over thermal zones, Celsius
	HasTemperature bool
	MemoryUsage    float64 // percent of memory in use, 0-100
}

// Stressed reports whether the host is under enough pressure to shed work.
func (s Sample) Stressed() bool {
	return s.Load > StressLoad || (s.HasTemperature && s.Temperature > StressTemperature)
}

// Monitor reads load, memory and temperature from procfs and sysfs.
type Monitor struct {
	proc   procfs.FS
	sys    sysfs.FS
	hasSys bool
}

// NewMonitor opens the proc and sys mounts. A missing sys mount only
// disables temperature readings.
func NewMonitor(procRoot, sysRoot string) (*Monitor, error) {
	proc, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("perf: open %s: %w", procRoot, err)
	}
	m := &Monitor{proc: proc}
	if sys, err := sysfs.NewFS(sysRoot); err == nil {
		m.sys = sys
		m.hasSys = true
	}
	return m, nil
}

// Sample reads the host. Only the load average is mandatory.
func (m *Monitor) Sample() (Sample, error) {
	var s Sample

	avg, err := m.proc.LoadAvg()
	if err != nil {
		return s, fmt.Errorf("perf: load average: %w", err)
	}
	s.Load = avg.Load1

	if mem, err := m.proc.Meminfo(); err == nil && mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		total := float64(*mem.MemTotal)
		s.MemoryUsage = 100 * (total - float64(*mem.MemAvailable)) / total
	}

	if t, err := m.Temperature(); err == nil {
		s.Temperature = t
		s.HasTemperature = true
	}
	return s, nil
}

// Temperature returns the mean of all thermal zones in Celsius.
func (m *Monitor) Temperature() (float64, error) {
	if !m.hasSys {
		return 0, ErrTemperatureNotFound
	}
	zones, err := m.sys.ClassThermalZoneStats()
	if err != nil || len(zones) == 0 {
		return 0, ErrTemperatureNotFound
	}
	var total float64
	for _, z := range zones {
		total += float64(z.Temp) / 1000.0 // millidegrees
	}
	return total / float64(len(zones)), nil
}
