package inference

import (
	"sync"
	"time"
)

// Metrics holds the pool counters; all access goes through its mutex.
type Metrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	rejectedFrames  int64
	timeouts        int64
	inferenceErrors int64
	waitTime        time.Duration
	inferenceTime   time.Duration
}

type MetricsSnapshot struct {
	PoolSize        int     `json:"pool_size"`
	QueueDepth      int     `json:"queue_depth"`
	LiveSessions    int     `json:"live_sessions"`
	SessionsInUse   int     `json:"sessions_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	RejectedFrames  int64   `json:"rejected_frames"`
	Timeouts        int64   `json:"timeouts"`
	InferenceErrors int64   `json:"inference_errors"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
	AvgInferenceMS  float64 `json:"avg_inference_ms"`
}

func (m *Metrics) acquired() {
	m.mu.Lock()
	m.inUse++
	m.totalAcquired++
	m.mu.Unlock()
}

func (m *Metrics) released() {
	m.mu.Lock()
	m.inUse--
	m.totalReleased++
	m.mu.Unlock()
}

func (m *Metrics) acquireFailed() {
	m.mu.Lock()
	m.acquireFailures++
	m.mu.Unlock()
}

func (m *Metrics) rejected() {
	m.mu.Lock()
	m.rejectedFrames++
	m.mu.Unlock()
}

func (m *Metrics) timedOut() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *Metrics) waited(d time.Duration) {
	m.mu.Lock()
	m.waitTime += d
	m.mu.Unlock()
}

func (m *Metrics) ran(d time.Duration, failed bool) {
	m.mu.Lock()
	m.inferenceTime += d
	if failed {
		m.inferenceErrors++
	}
	m.mu.Unlock()
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		SessionsInUse:   m.inUse,
		TotalAcquired:   m.totalAcquired,
		TotalReleased:   m.totalReleased,
		AcquireFailures: m.acquireFailures,
		RejectedFrames:  m.rejectedFrames,
		Timeouts:        m.timeouts,
		InferenceErrors: m.inferenceErrors,
	}
	if m.totalAcquired > 0 {
		snap.AvgWaitMS = float64(m.waitTime.Milliseconds()) / float64(m.totalAcquired)
	}
	if m.totalReleased > 0 {
		snap.AvgInferenceMS = float64(m.inferenceTime.Milliseconds()) / float64(m.totalReleased)
	}
	return snap
}
