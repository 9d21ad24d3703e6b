package audio

import (
	"fmt"

	"github.com/dh1tw/gosamplerate"
)

// ResampleQuality is the libsamplerate converter used throughout the engine.
const ResampleQuality = gosamplerate.SRC_SINC_MEDIUM_QUALITY

// Resample converts the buffer to toRate. Output length is exactly
// round(frames * toRate / fromRate).
func Resample(b *Buffer, toRate int) (*Buffer, error) {
	if b.SampleRate == toRate {
		return b, nil
	}
	if b.SampleRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", b.SampleRate, toRate)
	}
	ratio := float64(toRate) / float64(b.SampleRate)
	want := int(float64(b.Frames())*ratio + 0.5)

	out, err := ResampleRatio(b, ratio)
	if err != nil {
		return nil, err
	}
	out.SampleRate = toRate
	return out.PadOrTrim(want), nil
}

// ResampleRatio changes the frame count by ratio (out/in) without touching
// the sample rate field. Used for varispeed pitch shifting.
func ResampleRatio(b *Buffer, ratio float64) (*Buffer, error) {
	if !gosamplerate.IsValidRatio(ratio) {
		return nil, fmt.Errorf("resample: ratio %.4f out of range", ratio)
	}
	channels := b.Channels()
	if channels == 0 || b.Frames() == 0 {
		return NewBuffer(channels, 0, b.SampleRate), nil
	}

	resampled, err := gosamplerate.Simple(b.Interleaved32(), ratio, channels, ResampleQuality)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return FromInterleaved32(resampled, channels, b.SampleRate), nil
}
