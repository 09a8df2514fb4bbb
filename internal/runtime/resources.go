package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is the process-wide usage reported next to receiver status.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceSampler turns the cumulative scheduler CPU counter into a
// percentage of all cores between two Sample calls.
type resourceSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64
	now     func() time.Time

	prevCPU  float64
	prevWall time.Time
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

func (r *resourceSampler) Sample() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	if r.now == nil {
		r.now = time.Now
	}

	metrics.Read(r.samples)
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	wall := r.now()
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		usage.CPUPercent = r.cpuPercent(cpu, wall)
		r.prevCPU = cpu
	}
	r.prevWall = wall

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}

func (r *resourceSampler) cpuPercent(cpu float64, wall time.Time) float64 {
	if r.prevWall.IsZero() || r.numCPU <= 0 {
		return 0
	}
	elapsed := wall.Sub(r.prevWall).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (cpu - r.prevCPU) / elapsed / r.numCPU * 100
}
