package playback

import "sync"

// DefaultPreroll returns one second of samples at sampleRateHz.
func DefaultPreroll(sampleRateHz int) int {
	if sampleRateHz <= 0 {
		return 0
	}
	return sampleRateHz
}

// RingBuffer is a growable sample buffer between one producer and one consumer.
//
// Reads always return full blocks. Until the unread length first reaches the
// pre-roll threshold, reads return silence. Draining to empty later does not
// re-enter pre-roll; only Clear does.
type RingBuffer struct {
	mu sync.Mutex

	buf   []float32
	read  int
	write int

	preroll    int
	prerolling bool

	underflow int64
}

func NewRingBuffer(prerollSamples int) *RingBuffer {
	if prerollSamples < 0 {
		prerollSamples = 0
	}
	return &RingBuffer{
		preroll:    prerollSamples,
		prerolling: true,
	}
}

// Write appends samples, compacting or growing the backing array as needed.
func (b *RingBuffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(samples)
	if b.write+n > len(b.buf) {
		unread := b.write - b.read
		if unread+n <= len(b.buf) {
			copy(b.buf, b.buf[b.read:b.write])
		} else {
			next := make([]float32, 2*(unread+n))
			copy(next, b.buf[b.read:b.write])
			b.buf = next
		}
		b.read = 0
		b.write = unread
	}
	copy(b.buf[b.write:], samples)
	b.write += n
}

// Read fills dst completely and returns the number of real samples copied.
// Any shortfall is zero-padded.
func (b *RingBuffer) Read(dst []float32) int {
	if len(dst) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	unread := b.write - b.read
	if b.prerolling {
		if unread < b.preroll || unread == 0 {
			clear(dst)
			return 0
		}
		b.prerolling = false
	}

	n := min(unread, len(dst))
	copy(dst, b.buf[b.read:b.read+n])
	b.read += n
	if n < len(dst) {
		clear(dst[n:])
		b.underflow += int64(len(dst) - n)
	} else {
		b.underflow = 0
	}
	if b.read == b.write {
		b.read = 0
		b.write = 0
	}
	return n
}

// ReadBlock allocates and returns a block of exactly n samples.
func (b *RingBuffer) ReadBlock(n int) []float32 {
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	b.Read(out)
	return out
}

// Clear drops all buffered samples and re-enters pre-roll.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = 0
	b.write = 0
	b.prerolling = true
	b.underflow = 0
}

// Len is the number of unread samples.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write - b.read
}

func (b *RingBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *RingBuffer) Prerolling() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prerolling
}

// Underflow is the number of zero-padded samples in the current shortfall streak.
func (b *RingBuffer) Underflow() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.underflow
}
