package guard

import (
	"math"
	"runtime"
	"runtime/debug"
)

// MemoryLevel grades heap pressure.
type MemoryLevel string

const (
	MemoryOK       MemoryLevel = "ok"
	MemoryWarning  MemoryLevel = "warning"
	MemoryCritical MemoryLevel = "critical"
)

// MemoryStats is a heap sample.
type MemoryStats struct {
	HeapAlloc uint64  `json:"heap_alloc"`
	Limit     uint64  `json:"limit"`
	Ratio     float64 `json:"ratio"`
}

// MemoryCheck is the outcome of CheckMemory.
type MemoryCheck struct {
	Allowed bool        `json:"allowed"`
	Level   MemoryLevel `json:"level"`
	Stats   MemoryStats `json:"stats"`
}

// MemorySampler samples heap usage.
type MemorySampler interface {
	ReadMemory() MemoryStats
}

// MemorySamplerFunc adapts a function to MemorySampler.
type MemorySamplerFunc func() MemoryStats

// ReadMemory calls f.
func (f MemorySamplerFunc) ReadMemory() MemoryStats { return f() }

// DefaultMemoryLimit is the heap budget assumed when neither an explicit
// limit nor GOMEMLIMIT is set.
const DefaultMemoryLimit = 2 << 30

// RuntimeSampler measures live heap against a limit. The limit is, in order:
// Limit if non-zero, the runtime soft memory limit (GOMEMLIMIT) if set,
// otherwise the larger of DefaultMemoryLimit and the heap obtained from the
// OS.
type RuntimeSampler struct {
	Limit uint64
}

// ReadMemory implements MemorySampler.
func (p RuntimeSampler) ReadMemory() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	limit := p.Limit
	if limit == 0 {
		if soft := debug.SetMemoryLimit(-1); soft > 0 && soft != math.MaxInt64 {
			limit = uint64(soft)
		} else {
			limit = max(m.HeapSys, DefaultMemoryLimit)
		}
	}
	return newMemoryStats(m.HeapAlloc, limit)
}

func newMemoryStats(alloc, limit uint64) MemoryStats {
	s := MemoryStats{HeapAlloc: alloc, Limit: limit}
	if limit > 0 {
		s.Ratio = float64(alloc) / float64(limit)
	}
	return s
}

// classify grades stats against the two thresholds.
func classify(s MemoryStats, warning, critical float64) MemoryCheck {
	c := MemoryCheck{Allowed: true, Level: MemoryOK, Stats: s}
	switch {
	case s.Ratio >= critical:
		c.Allowed = false
		c.Level = MemoryCritical
	case s.Ratio >= warning:
		c.Level = MemoryWarning
	}
	return c
}
