package audio

import (
	"math"
)

// Buffer is planar floating point audio. Data[ch][frame].
type Buffer struct {
	SampleRate int
	Data       [][]float64
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(channels, frames, sampleRate int) *Buffer {
	if frames < 0 {
		frames = 0
	}
	data := make([][]float64, channels)
	for ch := range data {
		data[ch] = make([]float64, frames)
	}
	return &Buffer{SampleRate: sampleRate, Data: data}
}

// Channels returns the channel count.
func (b *Buffer) Channels() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Frames returns the number of sample frames.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// DurationMs returns the buffer length in milliseconds.
func (b *Buffer) DurationMs() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) * 1000 / float64(b.SampleRate)
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{SampleRate: b.SampleRate, Data: make([][]float64, len(b.Data))}
	for ch := range b.Data {
		out.Data[ch] = append([]float64(nil), b.Data[ch]...)
	}
	return out
}

// ToStereo duplicates mono and folds >2 channels down to two.
func (b *Buffer) ToStereo() *Buffer {
	switch b.Channels() {
	case 2:
		return b
	case 0:
		return NewBuffer(2, 0, b.SampleRate)
	case 1:
		return &Buffer{SampleRate: b.SampleRate, Data: [][]float64{
			b.Data[0],
			append([]float64(nil), b.Data[0]...),
		}}
	}

	out := NewBuffer(2, b.Frames(), b.SampleRate)
	for ch := range b.Data {
		dst := out.Data[ch%2]
		for i, v := range b.Data[ch] {
			dst[i] += v
		}
	}
	scale := 2.0 / float64(b.Channels())
	out.Scale(scale)
	return out
}

// Mono averages all channels.
func (b *Buffer) Mono() []float64 {
	n := b.Frames()
	out := make([]float64, n)
	if b.Channels() == 0 {
		return out
	}
	for _, ch := range b.Data {
		for i, v := range ch {
			out[i] += v
		}
	}
	inv := 1 / float64(b.Channels())
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Slice returns frames [start, end) as a new buffer, zero-padding anything
// outside the source.
func (b *Buffer) Slice(start, end int) *Buffer {
	if end < start {
		end = start
	}
	out := NewBuffer(b.Channels(), end-start, b.SampleRate)
	n := b.Frames()
	for ch := range b.Data {
		for i := start; i < end; i++ {
			if i >= 0 && i < n {
				out.Data[ch][i-start] = b.Data[ch][i]
			}
		}
	}
	return out
}

// PadOrTrim returns a buffer of exactly frames length.
func (b *Buffer) PadOrTrim(frames int) *Buffer {
	if b.Frames() == frames {
		return b
	}
	return b.Slice(0, frames)
}

// Scale multiplies every sample in place.
func (b *Buffer) Scale(g float64) {
	for _, ch := range b.Data {
		for i := range ch {
			ch[i] *= g
		}
	}
}

// AddAt mixes src into b starting at frame offset, clipped to b's bounds.
// Channels beyond b's count are dropped.
func (b *Buffer) AddAt(src *Buffer, offset int) {
	n := b.Frames()
	for ch := 0; ch < b.Channels() && ch < src.Channels(); ch++ {
		dst := b.Data[ch]
		for i, v := range src.Data[ch] {
			j := offset + i
			if j < 0 {
				continue
			}
			if j >= n {
				break
			}
			dst[j] += v
		}
	}
}

// RMS over all channels.
func (b *Buffer) RMS() float64 {
	var sum float64
	var count int
	for _, ch := range b.Data {
		for _, v := range ch {
			sum += v * v
		}
		count += len(ch)
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// RangeRMS is the RMS of frames [start, end) across channels.
func (b *Buffer) RangeRMS(start, end int) float64 {
	if start < 0 {
		start = 0
	}
	if end > b.Frames() {
		end = b.Frames()
	}
	if end <= start {
		return 0
	}
	var sum float64
	for _, ch := range b.Data {
		for _, v := range ch[start:end] {
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64((end-start)*b.Channels()))
}

// Peak returns the maximum absolute sample.
func (b *Buffer) Peak() float64 {
	var peak float64
	for _, ch := range b.Data {
		for _, v := range ch {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// IsSilent reports whether every sample is below 1e-9.
func (b *Buffer) IsSilent() bool {
	return b.Peak() < 1e-9
}

// FramesForMs converts milliseconds to a frame count at sr.
func FramesForMs(ms float64, sr int) int {
	if ms <= 0 {
		return 0
	}
	return int(math.Round(ms * float64(sr) / 1000))
}

// Peaks summarises the buffer into bins of max-abs values, used for waveform
// overviews.
func Peaks(b *Buffer, bins int) []float64 {
	if bins <= 0 {
		return nil
	}
	out := make([]float64, bins)
	n := b.Frames()
	if n == 0 {
		return out
	}
	mono := b.Mono()
	for i := range out {
		lo := i * n / bins
		hi := (i + 1) * n / bins
		if hi <= lo {
			hi = lo + 1
		}
		if hi > n {
			hi = n
		}
		var m float64
		for _, v := range mono[lo:hi] {
			if a := math.Abs(v); a > m {
				m = a
			}
		}
		out[i] = m
	}
	return out
}
