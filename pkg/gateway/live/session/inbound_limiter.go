package session

import "time"

// tokenBucket refills continuously; fractional tokens carry over between calls.
type tokenBucket struct {
	rate     float64
	capacity float64
	tokens   float64
}

func newTokenBucket(ratePerSecond float64, burstSeconds int) *tokenBucket {
	if ratePerSecond <= 0 {
		return nil
	}
	capacity := ratePerSecond * float64(burstSeconds)
	return &tokenBucket{rate: ratePerSecond, capacity: capacity, tokens: capacity}
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b == nil || elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

func (b *tokenBucket) has(n float64) bool {
	return b == nil || b.tokens >= n
}

func (b *tokenBucket) take(n float64) {
	if b != nil {
		b.tokens -= n
	}
}

// inboundAudioLimiter caps client audio by frames and bytes per second.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     *tokenBucket
	bytes      *tokenBucket
	lastRefill time.Time
	denied     int64
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundAudioLimiter{
		now:        now,
		frames:     newTokenBucket(float64(fps), burstSeconds),
		bytes:      newTokenBucket(float64(bps), burstSeconds),
		lastRefill: now(),
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	if !l.frames.has(1) || !l.bytes.has(float64(frameBytes)) {
		l.denied++
		return false
	}
	l.frames.take(1)
	l.bytes.take(float64(frameBytes))
	return true
}

// Denied counts rejected frames.
func (l *inboundAudioLimiter) Denied() int64 {
	if l == nil {
		return 0
	}
	return l.denied
}
