package station

import (
	"sync"

	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

// WindowBuffer is a fixed-capacity circular buffer over the most recent
// samples of one wave id. Exactly one writer at a time; readers copy out a
// contiguous snapshot under the same lock.
type WindowBuffer struct {
	mu   sync.RWMutex
	data []float64
	next int
}

// NewWindowBuffer allocates a buffer of n samples primed with fill, so the
// first snapshot does not show a synthetic step down to zero.
func NewWindowBuffer(n int, fill float64) *WindowBuffer {
	data := make([]float64, n)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &WindowBuffer{data: data}
}

// Cap returns the fixed capacity.
func (b *WindowBuffer) Cap() int {
	return len(b.data)
}

// Write appends arr modulo capacity. An array at least as large as the
// buffer overwrites it with the last Cap() samples and resets the index.
func (b *WindowBuffer) Write(arr []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.data)
	if len(arr) >= n {
		copy(b.data, arr[len(arr)-n:])
		b.next = 0
		return
	}

	idx := b.next
	end := idx + len(arr)
	if end <= n {
		copy(b.data[idx:], arr)
	} else {
		head := n - idx
		copy(b.data[idx:], arr[:head])
		copy(b.data, arr[head:])
	}
	b.next = end % n
}

// Snapshot returns a freshly allocated contiguous copy of the window in
// chronological order: tail from the write index, then head up to it.
func (b *WindowBuffer) Snapshot() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]float64, len(b.data))
	copied := copy(out, b.data[b.next:])
	copy(out[copied:], b.data[:b.next])
	return out
}

// WriteIndex reports the next write position.
func (b *WindowBuffer) WriteIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}

// Store holds one WindowBuffer per wave id. Buffers are created on first
// packet and live for the life of the process.
type Store struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*WindowBuffer
}

// NewStore creates a store with size samples per buffer
// (window seconds x sample rate).
func NewStore(size int) *Store {
	return &Store{
		size:    size,
		buffers: make(map[string]*WindowBuffer),
	}
}

// Write appends samples to the wave id's buffer, creating it on first use
// primed with the packet mean.
func (s *Store) Write(waveID string, samples []float64) {
	if len(samples) == 0 {
		return
	}

	s.mu.RLock()
	buf, ok := s.buffers[waveID]
	s.mu.RUnlock()

	if !ok {
		var sum float64
		for _, v := range samples {
			sum += v
		}
		s.mu.Lock()
		if buf, ok = s.buffers[waveID]; !ok {
			buf = NewWindowBuffer(s.size, sum/float64(len(samples)))
			s.buffers[waveID] = buf
			monitoring.WindowBuffers.Set(float64(len(s.buffers)))
		}
		s.mu.Unlock()
	}

	buf.Write(samples)
}

// Snapshot returns the wave id's window, or nil when the station has never
// been seen.
func (s *Store) Snapshot(waveID string) []float64 {
	s.mu.RLock()
	buf, ok := s.buffers[waveID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// ByStation returns the wave ids tracked for a station code, matching on
// the SCNL station component.
func (s *Store) ByStation(stationCode string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.buffers {
		if scnlStation(id) == stationCode {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len reports the number of allocated buffers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}

func scnlStation(waveID string) string {
	// wave id is "network.station.location.channel"
	start := -1
	for i := 0; i < len(waveID); i++ {
		if waveID[i] == '.' {
			if start >= 0 {
				return waveID[start:i]
			}
			start = i + 1
		}
	}
	return ""
}
