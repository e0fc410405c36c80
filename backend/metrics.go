// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"net/http"
	"sync"
	"time"
)

const LatencyBuckets = 101
const LatencyBucketSize = 10 * time.Millisecond

// Histogram counts request latencies in fixed-width buckets. The last
// bucket collects everything slower than (LatencyBuckets-1)*LatencyBucketSize.
type Histogram struct {
	Buckets [LatencyBuckets]uint64 `json:"b"`
	Count   uint64                 `json:"c"`
	Sum     float64                `json:"s"` // Sum of durations in milliseconds
}

func (h *Histogram) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	idx := int(d / LatencyBucketSize)
	if idx >= LatencyBuckets {
		idx = LatencyBuckets - 1
	}
	h.Buckets[idx]++
	h.Count++
	h.Sum += float64(d.Microseconds()) / 1000
}

func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	for i := 0; i < LatencyBuckets; i++ {
		h.Buckets[i] += other.Buckets[i]
	}
	h.Count += other.Count
	h.Sum += other.Sum
}

// Quantile returns the upper bound of the bucket holding the q-th quantile.
func (h *Histogram) Quantile(q float64) time.Duration {
	if h.Count == 0 {
		return 0
	}
	target := uint64(q * float64(h.Count))
	if target >= h.Count {
		target = h.Count - 1
	}
	var seen uint64
	for i, n := range h.Buckets {
		seen += n
		if seen > target {
			return time.Duration(i+1) * LatencyBucketSize
		}
	}
	return LatencyBuckets * LatencyBucketSize
}

// Point is a single data point in a time series.
type Point struct {
	Timestamp int64  `json:"t"`
	Value     uint64 `json:"v"`
}

// RingBuffer keeps per-interval request counts for a fixed window.
type RingBuffer struct {
	Resolution time.Duration
	Data       []Point
	Head       int // Points to the *next* write position
}

func NewRingBuffer(resolution time.Duration, buckets int) *RingBuffer {
	return &RingBuffer{
		Resolution: resolution,
		Data:       make([]Point, buckets),
	}
}

// Incr adds n to the point of the interval containing ts.
func (rb *RingBuffer) Incr(ts int64, n uint64) {
	resSec := int64(rb.Resolution.Seconds())
	aligned := (ts / resSec) * resSec

	prev := (rb.Head - 1 + len(rb.Data)) % len(rb.Data)
	if rb.Data[prev].Timestamp == aligned {
		rb.Data[prev].Value += n
		return
	}
	rb.Data[rb.Head] = Point{Timestamp: aligned, Value: n}
	rb.Head = (rb.Head + 1) % len(rb.Data)
}

// Points returns the recorded points sorted by time.
func (rb *RingBuffer) Points() []Point {
	points := make([]Point, 0, len(rb.Data))
	for i := 0; i < len(rb.Data); i++ {
		idx := (rb.Head + i) % len(rb.Data)
		if rb.Data[idx].Timestamp > 0 {
			points = append(points, rb.Data[idx])
		}
	}
	return points
}

// Metrics collects request statistics for /api/metrics.
type Metrics struct {
	mu       sync.Mutex
	started  time.Time
	latency  Histogram
	requests uint64
	byStatus map[int]uint64
	edits    uint64
	perMin   *RingBuffer
	now      func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		started:  time.Now(),
		byStatus: make(map[int]uint64),
		perMin:   NewRingBuffer(time.Minute, 120),
		now:      time.Now,
	}
}

// Observe records one finished request.
func (m *Metrics) Observe(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency.Add(d)
	m.requests++
	m.byStatus[status]++
	m.perMin.Incr(m.now().Unix(), 1)
}

// AddEdits counts applied edits.
func (m *Metrics) AddEdits(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.edits += uint64(n)
	m.mu.Unlock()
}

type MetricsSnapshot struct {
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Requests      uint64         `json:"requests"`
	ByStatus      map[int]uint64 `json:"byStatus"`
	Edits         uint64         `json:"edits"`
	Latency       Histogram      `json:"latency"`
	P50MS         int64          `json:"p50Ms"`
	P99MS         int64          `json:"p99Ms"`
	PerMinute     []Point        `json:"perMinute"`
	Hubs          int            `json:"hubs"`
	Connections   int64          `json:"connections"`
	Sheets        int            `json:"sheets"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := make(map[int]uint64, len(m.byStatus))
	for k, v := range m.byStatus {
		byStatus[k] = v
	}
	return MetricsSnapshot{
		UptimeSeconds: int64(m.now().Sub(m.started).Seconds()),
		Requests:      m.requests,
		ByStatus:      byStatus,
		Edits:         m.edits,
		Latency:       m.latency,
		P50MS:         m.latency.Quantile(0.5).Milliseconds(),
		P99MS:         m.latency.Quantile(0.99).Milliseconds(),
		PerMinute:     m.perMin.Points(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func metricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.Observe(rec.status, time.Since(start))
	})
}
