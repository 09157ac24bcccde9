// Package store provides the fixed-capacity in-memory sample buffer the
// acquisition pipeline writes into and the query surfaces read from.
package store

import (
	"errors"
	"sync"
	"time"
)

// Quality grades a sample at acquisition time.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityStale
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualityStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Sample is one acquired data point.
type Sample struct {
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Quality   Quality   `json:"quality"`
}

var (
	// ErrInvalidSample is returned for samples with no tag name or an
	// unrecognized quality.
	ErrInvalidSample = errors.New("store: invalid sample")
	// ErrNotFound is returned when no sample matches a tag query.
	ErrNotFound = errors.New("store: no sample for tag")
	// ErrEmpty is returned by Oldest/Newest on an empty buffer.
	ErrEmpty = errors.New("store: buffer is empty")
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// RingBuffer is a fixed-capacity circular sample store. When full, each save
// overwrites the oldest sample. All methods are safe for concurrent use;
// notification callbacks fire after the lock is released.
type RingBuffer struct {
	mu      sync.RWMutex
	samples []Sample
	head    int // index of the oldest sample
	count   int

	totalSaved       uint64
	totalOverwritten uint64

	onSaved       func(Sample)
	onOverwritten func(dropped Sample)
	onCleared     func(discarded int)
}

// NewRingBuffer creates a buffer holding at most capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		samples: make([]Sample, capacity),
	}
}

// SetOnSaved sets the callback fired after each accepted save.
func (b *RingBuffer) SetOnSaved(fn func(Sample)) {
	b.mu.Lock()
	b.onSaved = fn
	b.mu.Unlock()
}

// SetOnOverwritten sets the callback fired with each sample dropped to make
// room for a new one.
func (b *RingBuffer) SetOnOverwritten(fn func(Sample)) {
	b.mu.Lock()
	b.onOverwritten = fn
	b.mu.Unlock()
}

// SetOnCleared sets the callback fired after Clear with the number of samples
// discarded.
func (b *RingBuffer) SetOnCleared(fn func(discarded int)) {
	b.mu.Lock()
	b.onCleared = fn
	b.mu.Unlock()
}

// Save appends a sample, overwriting the oldest when the buffer is full.
// A zero timestamp is stamped with the current time.
func (b *RingBuffer) Save(s Sample) error {
	if s.Tag == "" || s.Quality < QualityGood || s.Quality > QualityStale {
		return ErrInvalidSample
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	b.mu.Lock()

	var dropped Sample
	overwrote := false

	if b.count == len(b.samples) {
		dropped = b.samples[b.head]
		overwrote = true
		b.samples[b.head] = s
		b.head = (b.head + 1) % len(b.samples)
		b.totalOverwritten++
	} else {
		b.samples[(b.head+b.count)%len(b.samples)] = s
		b.count++
	}
	b.totalSaved++

	saved := b.onSaved
	overwritten := b.onOverwritten
	b.mu.Unlock()

	if overwrote && overwritten != nil {
		overwritten(dropped)
	}
	if saved != nil {
		saved(s)
	}
	return nil
}

// FindRecent returns up to n samples, newest first.
func (b *RingBuffer) FindRecent(n int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.head + b.count - 1 - i + len(b.samples)) % len(b.samples)
		out = append(out, b.samples[idx])
	}
	return out
}

// FindAll returns every buffered sample in chronological order.
func (b *RingBuffer) FindAll() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chronologicalLocked()
}

func (b *RingBuffer) chronologicalLocked() []Sample {
	if b.count == 0 {
		return nil
	}
	out := make([]Sample, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.samples[(b.head+i)%len(b.samples)])
	}
	return out
}

// FindRange returns samples with from <= Timestamp <= to, chronological.
func (b *RingBuffer) FindRange(from, to time.Time) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Sample
	for i := 0; i < b.count; i++ {
		s := b.samples[(b.head+i)%len(b.samples)]
		if !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out
}

// FindByTagRange returns samples for a tag with from <= Timestamp <= to,
// chronological.
func (b *RingBuffer) FindByTagRange(tag string, from, to time.Time) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Sample
	for i := 0; i < b.count; i++ {
		s := b.samples[(b.head+i)%len(b.samples)]
		if s.Tag == tag && !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out
}

// FindByTagAll returns every buffered sample for a tag, chronological.
func (b *RingBuffer) FindByTagAll(tag string) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Sample
	for i := 0; i < b.count; i++ {
		s := b.samples[(b.head+i)%len(b.samples)]
		if s.Tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// FindByQuality returns every buffered sample of the given quality,
// chronological.
func (b *RingBuffer) FindByQuality(q Quality) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Sample
	for i := 0; i < b.count; i++ {
		s := b.samples[(b.head+i)%len(b.samples)]
		if s.Quality == q {
			out = append(out, s)
		}
	}
	return out
}

// FindByTag returns the most recent sample for a tag.
func (b *RingBuffer) FindByTag(tag string) (Sample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := b.count - 1; i >= 0; i-- {
		s := b.samples[(b.head+i)%len(b.samples)]
		if s.Tag == tag {
			return s, nil
		}
	}
	return Sample{}, ErrNotFound
}

// Oldest returns the oldest buffered sample.
func (b *RingBuffer) Oldest() (Sample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return Sample{}, ErrEmpty
	}
	return b.samples[b.head], nil
}

// Newest returns the most recently saved sample.
func (b *RingBuffer) Newest() (Sample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return Sample{}, ErrEmpty
	}
	return b.samples[(b.head+b.count-1)%len(b.samples)], nil
}

// Clear discards all buffered samples. Lifetime counters are kept.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	discarded := b.count
	b.head = 0
	b.count = 0
	cleared := b.onCleared
	b.mu.Unlock()

	if discarded > 0 && cleared != nil {
		cleared(discarded)
	}
}

// Count returns the number of buffered samples.
func (b *RingBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the fixed buffer capacity.
func (b *RingBuffer) Capacity() int {
	return len(b.samples)
}

// IsFull reports whether the next save will overwrite.
func (b *RingBuffer) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == len(b.samples)
}

// UtilizationPercent returns the fill level as 0-100.
func (b *RingBuffer) UtilizationPercent() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.count) / float64(len(b.samples)) * 100
}

// TotalSaved returns the lifetime count of accepted saves.
func (b *RingBuffer) TotalSaved() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalSaved
}

// TotalOverwritten returns the lifetime count of samples dropped by
// overwrites.
func (b *RingBuffer) TotalOverwritten() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalOverwritten
}
