package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed-size window of recent durations per key and
// answers percentile queries over it.
type LatencyTracker struct {
	mu      sync.Mutex
	size    int
	windows map[string]*window
}

type window struct {
	samples []time.Duration
	next    int
	total   int
}

// LatencyStats summarises one key's window.
type LatencyStats struct {
	Samples int
	Total   int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// NewLatencyTracker creates a tracker keeping up to size samples per key.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{size: size, windows: make(map[string]*window)}
}

// Observe records d under key and returns how many samples key has seen in
// total, including ones already evicted from the window.
func (l *LatencyTracker) Observe(key string, d time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{samples: make([]time.Duration, 0, l.size)}
		l.windows[key] = w
	}
	if len(w.samples) < l.size {
		w.samples = append(w.samples, d)
	} else {
		w.samples[w.next] = d
	}
	w.next = (w.next + 1) % l.size
	w.total++
	return w.total
}

// Count returns the number of samples currently held for key.
func (l *LatencyTracker) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return len(w.samples)
	}
	return 0
}

// Percentile returns the p-th percentile (0-100) for key, or zero when key
// has no samples.
func (l *LatencyTracker) Percentile(key string, p float64) time.Duration {
	sorted := l.sorted(key)
	if len(sorted) == 0 {
		return 0
	}
	return rank(sorted, p)
}

// Stats returns the window summary for key.
func (l *LatencyTracker) Stats(key string) LatencyStats {
	l.mu.Lock()
	w, ok := l.windows[key]
	var total int
	var sorted []time.Duration
	if ok {
		total = w.total
		sorted = slices.Clone(w.samples)
	}
	l.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{Total: total}
	}
	slices.Sort(sorted)
	return LatencyStats{
		Samples: len(sorted),
		Total:   total,
		P50:     rank(sorted, 50),
		P95:     rank(sorted, 95),
		P99:     rank(sorted, 99),
		Max:     sorted[len(sorted)-1],
	}
}

// Keys lists tracked keys in sorted order.
func (l *LatencyTracker) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (l *LatencyTracker) sorted(key string) []time.Duration {
	l.mu.Lock()
	w, ok := l.windows[key]
	var out []time.Duration
	if ok {
		out = slices.Clone(w.samples)
	}
	l.mu.Unlock()
	slices.Sort(out)
	return out
}

// rank picks the sample at the floor of p percent of an ascending slice.
func rank(sorted []time.Duration, p float64) time.Duration {
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}
