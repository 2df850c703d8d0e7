package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are exponential bucket limits from 16 bytes to 64MB.
// Larger samples fall into an extra overflow bucket.
var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
}

// SizeHistogram tracks the distribution of entry sizes without storing the samples.
// It is safe for concurrent use.
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64
	count   int64
	sum     int64
}

// SizeSummary is a point in time view of a SizeHistogram, suitable for DatabaseInfo metadata.
type SizeSummary struct {
	Count   int64 `json:"count"`
	Average int   `json:"average"`
	P50     int   `json:"p50"`
	P99     int   `json:"p99"`
}

func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{buckets: make([]int64, len(sizeBoundaries)+1)}
}

// AddSample adds a size sample to the histogram
func (h *SizeHistogram) AddSample(size int) {
	idx := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			idx = i
			break
		}
	}

	h.mutex.Lock()
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
	h.mutex.Unlock()
}

// Percentile returns an estimate for the given percentile (0-100).
// The estimate is the middle of the bucket the percentile falls into.
func (h *SizeHistogram) Percentile(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	cumulative := int64(0)
	for i, count := range h.buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			return sizeBoundaries[len(sizeBoundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// Summary returns count, average and the p50/p99 estimates.
func (h *SizeHistogram) Summary() SizeSummary {
	h.mutex.RLock()
	count, sum := h.count, h.sum
	h.mutex.RUnlock()

	s := SizeSummary{Count: count}
	if count > 0 {
		s.Average = int(sum / count)
		s.P50 = h.Percentile(50)
		s.P99 = h.Percentile(99)
	}
	return s
}
