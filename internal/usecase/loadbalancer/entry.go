package loadbalancer

import (
	"sync"
	"time"

	"agent-orchestrator/internal/domain"
)

// weights for the weighted_response_time load score.
type weights struct {
	conn    float64
	latency float64
	success float64
}

// entry tracks one agent. Each entry carries its own lock so bookkeeping
// for different agents never contends.
type entry struct {
	name  string
	order int // tracked or first-seen position, used for round robin

	mu         sync.Mutex
	active     int
	total      uint64
	failed     uint64
	emaLatency float64 // seconds
	emaSuccess float64
	seeded     bool
	window     []float64 // recent latencies in seconds, ring
	windowPos  int
	lastStart  time.Time
}

func newEntry(name string, order, windowSize int) *entry {
	return &entry{
		name:       name,
		order:      order,
		emaSuccess: 1,
		window:     make([]float64, 0, windowSize),
	}
}

func (e *entry) start(now time.Time) {
	e.mu.Lock()
	e.active++
	e.total++
	e.lastStart = now
	e.mu.Unlock()
}

func (e *entry) end(d time.Duration, success bool, alpha float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active > 0 {
		e.active--
	}
	if !success {
		e.failed++
	}

	sec := d.Seconds()
	okVal := 0.0
	if success {
		okVal = 1
	}
	if !e.seeded {
		e.emaLatency = sec
		e.emaSuccess = okVal
		e.seeded = true
	} else {
		e.emaLatency = alpha*sec + (1-alpha)*e.emaLatency
		e.emaSuccess = alpha*okVal + (1-alpha)*e.emaSuccess
	}

	if len(e.window) < cap(e.window) {
		e.window = append(e.window, sec)
	} else if len(e.window) > 0 {
		e.window[e.windowPos] = sec
		e.windowPos = (e.windowPos + 1) % len(e.window)
	}
}

func (e *entry) connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *entry) successRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emaSuccess
}

// loadScore is lower-is-better:
// conns*w.conn + min(avgLatencySec/10, 2)*w.latency - successRate*w.success.
func (e *entry) loadScore(w weights) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadScoreLocked(w)
}

func (e *entry) loadScoreLocked(w weights) float64 {
	latencyPenalty := min(e.emaLatency/10.0, 2.0)
	return float64(e.active)*w.conn + latencyPenalty*w.latency - e.emaSuccess*w.success
}

func (e *entry) snapshot(w weights, floor float64) domain.LoadEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var windowAvg float64
	if n := len(e.window); n > 0 {
		var sum float64
		for _, v := range e.window {
			sum += v
		}
		windowAvg = sum / float64(n) * 1000
	}
	return domain.LoadEntry{
		Agent:             e.name,
		ActiveConnections: e.active,
		AvgLatencyMs:      e.emaLatency * 1000,
		WindowLatencyMs:   windowAvg,
		SuccessRate:       e.emaSuccess,
		LoadScore:         e.loadScoreLocked(w),
		TotalRequests:     e.total,
		FailedRequests:    e.failed,
		Healthy:           e.emaSuccess >= floor,
	}
}
