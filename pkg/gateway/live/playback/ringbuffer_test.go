package playback

import (
	"math/rand"
	"testing"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i+1) / 1e6
	}
	return out
}

func TestRingBuffer_PrerollReturnsSilenceUntilThreshold(t *testing.T) {
	b := NewRingBuffer(100)
	b.Write(ramp(0, 60))

	block := make([]float32, 20)
	if n := b.Read(block); n != 0 {
		t.Fatalf("Read() during preroll = %d, want 0", n)
	}
	if !IsSilent(block) {
		t.Fatalf("expected silence during preroll")
	}
	if b.Len() != 60 {
		t.Fatalf("Len()=%d, want 60 (preroll must not consume)", b.Len())
	}

	b.Write(ramp(60, 40))
	if n := b.Read(block); n != 20 {
		t.Fatalf("Read() after threshold = %d, want 20", n)
	}
	if block[0] != ramp(0, 1)[0] {
		t.Fatalf("first sample=%v, want oldest sample", block[0])
	}
	if b.Prerolling() {
		t.Fatalf("still prerolling after threshold reached")
	}
}

func TestRingBuffer_DrainDoesNotReenterPreroll(t *testing.T) {
	b := NewRingBuffer(10)
	b.Write(ramp(0, 10))
	block := make([]float32, 10)
	if n := b.Read(block); n != 10 {
		t.Fatalf("n=%d", n)
	}
	if n := b.Read(block); n != 0 || !IsSilent(block) {
		t.Fatalf("empty read n=%d", n)
	}
	b.Write(ramp(10, 3))
	if n := b.Read(block); n != 3 {
		t.Fatalf("Read() after drain = %d, want 3 (no preroll)", n)
	}
	for i := 3; i < len(block); i++ {
		if block[i] != 0 {
			t.Fatalf("block[%d]=%v, want zero padding", i, block[i])
		}
	}
}

func TestRingBuffer_ClearDropsStaleSamplesAndReentersPreroll(t *testing.T) {
	b := NewRingBuffer(8)
	b.Write(ramp(0, 8))
	block := make([]float32, 4)
	b.Read(block)

	b.Clear()
	if !b.Prerolling() || b.Len() != 0 {
		t.Fatalf("after Clear prerolling=%v len=%d", b.Prerolling(), b.Len())
	}
	if n := b.Read(block); n != 0 || !IsSilent(block) {
		t.Fatalf("read after Clear returned data n=%d", n)
	}

	fresh := []float32{-0.5, -0.5, -0.5, -0.5, -0.5, -0.5, -0.5, -0.5}
	b.Write(fresh)
	got := b.ReadBlock(8)
	for i, v := range got {
		if v != -0.5 {
			t.Fatalf("got[%d]=%v, stale sample leaked", i, v)
		}
	}
}

func TestRingBuffer_UnderflowCountsStreakAndResets(t *testing.T) {
	b := NewRingBuffer(0)
	b.Write(ramp(0, 5))
	b.ReadBlock(8)
	if got := b.Underflow(); got != 3 {
		t.Fatalf("Underflow()=%d, want 3", got)
	}
	b.ReadBlock(8)
	if got := b.Underflow(); got != 11 {
		t.Fatalf("Underflow()=%d, want 11", got)
	}
	b.Write(ramp(0, 8))
	b.ReadBlock(8)
	if got := b.Underflow(); got != 0 {
		t.Fatalf("Underflow()=%d, want 0 after full block", got)
	}
}

func TestRingBuffer_CompactsBeforeGrowing(t *testing.T) {
	b := NewRingBuffer(0)
	b.Write(ramp(0, 10))
	capBefore := b.Cap()
	if capBefore != 20 {
		t.Fatalf("initial Cap()=%d, want 20", capBefore)
	}
	b.ReadBlock(4)
	b.Write(ramp(10, 4))
	b.ReadBlock(6)
	// 4 unread at the tail end; writing 12 fits after shifting to offset 0.
	b.Write(ramp(14, 12))
	if b.Cap() != capBefore {
		t.Fatalf("Cap()=%d, want %d (compaction)", b.Cap(), capBefore)
	}
	got := b.ReadBlock(16)
	want := append(ramp(10, 4), ramp(14, 12)...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%v want %v", i, got[i], want[i])
		}
	}
}

func TestRingBuffer_GrowsToTwiceRequired(t *testing.T) {
	b := NewRingBuffer(0)
	b.Write(ramp(0, 4))
	b.Write(ramp(4, 10))
	if got := b.Cap(); got < 2*14 {
		t.Fatalf("Cap()=%d, want >= 28", got)
	}
	if b.Len() != 14 {
		t.Fatalf("Len()=%d", b.Len())
	}
}

func TestRingBuffer_BlocksAlwaysFullAndOrderPreserved(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewRingBuffer(32)
	const blockSize = 48

	var written []float32
	var readReal []float32
	totalRead := 0
	reads := 0
	next := 0
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			chunk := ramp(next, rng.Intn(120))
			next += len(chunk)
			written = append(written, chunk...)
			b.Write(chunk)
			continue
		}
		block := make([]float32, blockSize)
		n := b.Read(block)
		reads++
		totalRead += len(block)
		readReal = append(readReal, block[:n]...)
	}
	if totalRead != reads*blockSize {
		t.Fatalf("total read=%d, want %d", totalRead, reads*blockSize)
	}
	if len(readReal) > len(written) {
		t.Fatalf("read more real samples (%d) than written (%d)", len(readReal), len(written))
	}
	for i := range readReal {
		if readReal[i] != written[i] {
			t.Fatalf("sample %d=%v want %v", i, readReal[i], written[i])
		}
	}
}

func TestRingBuffer_ConcurrentProducerConsumer(t *testing.T) {
	b := NewRingBuffer(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Write(ramp(i*7, 7))
		}
	}()
	var got []float32
	block := make([]float32, 16)
	for len(got) < 2000*7 {
		n := b.Read(block)
		got = append(got, block[:n]...)
		select {
		case <-done:
			if b.Len() == 0 && len(got) < 2000*7 {
				t.Fatalf("lost samples: got %d", len(got))
			}
		default:
		}
	}
	<-done
	for i, v := range got {
		if v != ramp(i, 1)[0] {
			t.Fatalf("sample %d out of order", i)
		}
	}
}
