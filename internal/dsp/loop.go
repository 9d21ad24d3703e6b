package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// LoopCrossfadeMs is the default equal-power crossfade at each loop seam.
const LoopCrossfadeMs = 500.0

// LoopToDuration returns exactly frames frames. Longer sources are
// truncated. Shorter ones are extended by repeating the region between the
// first and last onset (or the whole buffer without usable onsets), with an
// equal-power crossfade at every seam. Empty sources yield silence.
func LoopToDuration(buf *audio.Buffer, frames int, onsetsMs []float64) *audio.Buffer {
	return LoopToDurationXfade(buf, frames, onsetsMs, LoopCrossfadeMs)
}

// LoopToDurationXfade is LoopToDuration with an explicit crossfade length.
func LoopToDurationXfade(buf *audio.Buffer, frames int, onsetsMs []float64, xfadeMs float64) *audio.Buffer {
	if frames <= 0 {
		return audio.NewBuffer(max(buf.Channels(), 1), 0, buf.SampleRate)
	}
	n := buf.Frames()
	if n == 0 {
		return audio.NewBuffer(max(buf.Channels(), 1), frames, buf.SampleRate)
	}
	if n >= frames {
		return buf.Slice(0, frames)
	}

	start, end := loopRegion(n, buf.SampleRate, onsetsMs)
	segLen := end - start
	xf := min(audio.FramesForMs(xfadeMs, buf.SampleRate), segLen/2)

	fadeIn := make([]float64, xf)
	fadeOut := make([]float64, xf)
	for i := 0; i < xf; i++ {
		t := (float64(i) + 0.5) / float64(xf)
		fadeIn[i] = math.Sin(t * math.Pi / 2)
		fadeOut[i] = math.Cos(t * math.Pi / 2)
	}

	out := audio.NewBuffer(buf.Channels(), frames+segLen, buf.SampleRate)
	for ch := range out.Data {
		dst := out.Data[ch]
		src := buf.Data[ch]
		pos := copy(dst, src[:end])
		seg := src[start:end]
		for pos < frames {
			// overlap the tail already written with the head of the next pass
			at := pos - xf
			for i := 0; i < xf; i++ {
				dst[at+i] = dst[at+i]*fadeOut[i] + seg[i]*fadeIn[i]
			}
			pos = at + xf + copy(dst[at+xf:], seg[xf:])
		}
	}
	return out.Slice(0, frames)
}

// loopRegion picks the repeat region from onsets, falling back to the full
// buffer when fewer than two distinct usable markers exist.
func loopRegion(n, sr int, onsetsMs []float64) (int, int) {
	if len(onsetsMs) < 2 {
		return 0, n
	}
	first, last := math.Inf(1), math.Inf(-1)
	for _, o := range onsetsMs {
		first = math.Min(first, o)
		last = math.Max(last, o)
	}
	start := audio.FramesForMs(first, sr)
	end := audio.FramesForMs(last, sr)
	if end > n {
		end = n
	}
	if start < 0 || end-start < 2 {
		return 0, n
	}
	return start, end
}
