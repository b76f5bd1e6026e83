package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUSeconds = "/cpu/classes/total:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// ProcessUsage is the coarse resource view reported on the status endpoint.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines uint64  `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// usageSampler derives CPU utilisation from the delta between two reads.
type usageSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	started  time.Time
	lastCPU  float64
	lastRead time.Time
	numCPU   float64
	now      func() time.Time
}

func newUsageSampler() *usageSampler {
	return &usageSampler{
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
		started: time.Now(),
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

func (u *usageSampler) Sample() ProcessUsage {
	u.mu.Lock()
	defer u.mu.Unlock()

	metrics.Read(u.samples)
	now := u.now()
	usage := ProcessUsage{Uptime: now.Sub(u.started).Truncate(time.Second).String()}

	if v := u.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !u.lastRead.IsZero() && u.numCPU > 0 {
			if wall := now.Sub(u.lastRead).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - u.lastCPU) / wall / u.numCPU * 100
			}
		}
		u.lastCPU = cpu
		u.lastRead = now
	}
	if v := u.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.HeapBytes = v.Uint64()
	}
	if v := u.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = v.Uint64()
	}
	return usage
}
