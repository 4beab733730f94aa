// Package metrics provides in-memory request and stream statistics.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Stream metrics (only for OpStream)
	TotalTokens     int64
	MinTokens       int64
	MaxTokens       int64
	TotalFirstToken time.Duration
	FirstTokenCount int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Stream stats (nil if not applicable)
	TotalTokens     *int64
	AvgTokens       *float64
	MinTokens       *int64
	MaxTokens       *int64
	AvgFirstTokenMs *float64
}

// Snapshot represents the full client statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Requests      *OperationSnapshot
	Streams       *OperationSnapshot
}

// Operation names for the collector.
const (
	OpRequest = "rest_request"
	OpStream  = "stream"
)

// StreamResult describes one finished stream.
type StreamResult struct {
	Duration   time.Duration
	FirstToken time.Duration // zero if no token arrived
	Tokens     int64
	Failed     bool
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and safe to call on a nil *Collector.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime:   time.Duration(math.MaxInt64),
			MinTokens: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) addTiming(duration time.Duration, failed bool) {
	m.Count++
	m.TotalTime += duration
	if failed {
		m.Failures++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).addTiming(duration, failed)
}

// RecordStream records timing and token counts for one finished stream.
func (c *Collector) RecordStream(r StreamResult) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(OpStream)
	m.addTiming(r.Duration, r.Failed)

	m.TotalTokens += r.Tokens
	if r.Tokens < m.MinTokens {
		m.MinTokens = r.Tokens
	}
	if r.Tokens > m.MaxTokens {
		m.MaxTokens = r.Tokens
	}
	if r.FirstToken > 0 {
		m.TotalFirstToken += r.FirstToken
		m.FirstTokenCount++
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeTokens bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeTokens {
		total := m.TotalTokens
		avg := float64(m.TotalTokens) / float64(m.Count)
		minTok := m.MinTokens
		maxTok := m.MaxTokens
		if minTok == math.MaxInt64 {
			minTok = 0
		}
		snap.TotalTokens = &total
		snap.AvgTokens = &avg
		snap.MinTokens = &minTok
		snap.MaxTokens = &maxTok

		if m.FirstTokenCount > 0 {
			avgFirst := float64(m.TotalFirstToken.Milliseconds()) / float64(m.FirstTokenCount)
			snap.AvgFirstTokenMs = &avgFirst
		}
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Requests:      snapshotOp(c.ops[OpRequest], false),
		Streams:       snapshotOp(c.ops[OpStream], true),
	}
}
