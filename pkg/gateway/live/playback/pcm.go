package playback

import (
	"encoding/binary"
	"math"
	"time"
)

// DecodePCM16 converts signed 16-bit little-endian PCM to floats in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodePCM16 converts floats to signed 16-bit little-endian PCM, clamping to range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		f := float64(v) * 32768.0
		if f > math.MaxInt16 {
			f = math.MaxInt16
		}
		if f < math.MinInt16 {
			f = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(f)))
	}
	return out
}

// IsSilent reports whether every sample is exactly zero.
func IsSilent(samples []float32) bool {
	for _, v := range samples {
		if v != 0 {
			return false
		}
	}
	return true
}

// BlockSize returns the number of samples in one period at sampleRateHz.
func BlockSize(sampleRateHz int, period time.Duration) int {
	if sampleRateHz <= 0 || period <= 0 {
		return 0
	}
	n := int(int64(sampleRateHz) * int64(period) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	return n
}

// SineTone returns d of a sine wave at freqHz, amplitude amp.
func SineTone(freqHz, sampleRateHz int, d time.Duration, amp float64) []float32 {
	if sampleRateHz <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]float32, samples)
	for i := range out {
		t := float64(i) / float64(sampleRateHz)
		out[i] = float32(amp * math.Sin(2*math.Pi*float64(freqHz)*t))
	}
	return out
}
