package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("renderer stopped")

// Device is an audio sink that consumes fixed-size float blocks.
type Device interface {
	Open(sampleRateHz int) error
	Write(block []float32) error
	Close() error
}

type RendererConfig struct {
	SampleRateHz int
	BlockPeriod  time.Duration
	// PrerollSamples < 0 selects one second at SampleRateHz.
	PrerollSamples int
}

// Renderer owns one RingBuffer and drives a Device at a fixed block period.
type Renderer struct {
	cfg    RendererConfig
	dev    Device
	buf    *RingBuffer
	logger *slog.Logger

	blockSize int

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	initialized atomic.Bool
	stopped     atomic.Bool

	deviceErrors   atomic.Int64
	droppedEarly   atomic.Int64
	droppedStopped atomic.Int64
}

func NewRenderer(dev Device, cfg RendererConfig, logger *slog.Logger) *Renderer {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 24000
	}
	if cfg.BlockPeriod <= 0 {
		cfg.BlockPeriod = 20 * time.Millisecond
	}
	if cfg.PrerollSamples < 0 {
		cfg.PrerollSamples = DefaultPreroll(cfg.SampleRateHz)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		cfg:       cfg,
		dev:       dev,
		buf:       NewRingBuffer(cfg.PrerollSamples),
		logger:    logger,
		blockSize: BlockSize(cfg.SampleRateHz, cfg.BlockPeriod),
	}
}

// Start opens the device and begins the periodic output callback.
func (r *Renderer) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.stopped.Load() {
		return ErrStopped
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized.Load() {
		return nil
	}
	if r.dev != nil {
		if err := r.dev.Open(r.cfg.SampleRateHz); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.initialized.Store(true)
	go r.run(runCtx, r.done)
	return nil
}

func (r *Renderer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.BlockPeriod)
	defer ticker.Stop()
	block := make([]float32, r.blockSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.onTick(block)
		}
	}
}

func (r *Renderer) onTick(block []float32) {
	r.buf.Read(block)
	if r.dev == nil {
		return
	}
	if err := r.dev.Write(block); err != nil {
		if r.deviceErrors.Add(1) == 1 {
			r.logger.Warn("playback device write failed", "err", err)
		}
	}
}

// Enqueue decodes PCM16LE and appends it for playback. After Stop it is a no-op.
func (r *Renderer) Enqueue(pcm []byte) {
	if r == nil || len(pcm) == 0 {
		return
	}
	if r.stopped.Load() {
		if r.droppedStopped.Add(1) == 1 {
			r.logger.Warn("audio enqueued after renderer stop; dropping", "bytes", len(pcm))
		}
		return
	}
	if !r.initialized.Load() {
		if r.droppedEarly.Add(1) == 1 {
			r.logger.Warn("audio enqueued on an uninitialized renderer; dropping", "bytes", len(pcm))
		}
		return
	}
	r.buf.Write(DecodePCM16(pcm))
}

// BargeIn drops everything queued for playback.
func (r *Renderer) BargeIn() {
	if r == nil {
		return
	}
	r.buf.Clear()
}

// Stop halts the callback and releases the device. It is safe to call more than once.
func (r *Renderer) Stop() error {
	if r == nil {
		return nil
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	wasInit := r.initialized.Swap(false)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.buf.Clear()
	if !wasInit || r.dev == nil {
		return nil
	}
	return r.dev.Close()
}

func (r *Renderer) Initialized() bool {
	return r != nil && r.initialized.Load()
}

func (r *Renderer) SampleRateHz() int {
	return r.cfg.SampleRateHz
}

func (r *Renderer) BlockSize() int {
	return r.blockSize
}

// Buffer exposes the ring buffer for diagnostics.
func (r *Renderer) Buffer() *RingBuffer {
	return r.buf
}
