package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/sirupsen/logrus"

	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/exec"
)

// Decoder turns source files into stereo buffers at the engine sample rate.
type Decoder struct {
	SampleRate int
	Runner     *exec.Runner // optional, enables ffmpeg for OGG/FLAC/other formats
}

// NewDecoder creates a decoder targeting sampleRate.
func NewDecoder(sampleRate int, runner *exec.Runner) *Decoder {
	return &Decoder{SampleRate: sampleRate, Runner: runner}
}

// Decode reads path and returns a stereo buffer at d.SampleRate.
func (d *Decoder) Decode(ctx context.Context, path string) (*Buffer, error) {
	format, err := ValidateInput(path)
	if err != nil {
		return nil, err
	}

	var buf *Buffer
	switch format {
	case FormatWAV:
		buf, err = decodeWAV(path)
		if err != nil && d.Runner != nil {
			// WAVE_FORMAT_EXTENSIBLE and float WAVs go through ffmpeg
			logrus.WithFields(logrus.Fields{
				"function": "Decode",
				"path":     path,
			}).Debugf("native wav decode failed, trying ffmpeg: %v", err)
			buf, err = d.decodeFFmpeg(ctx, path)
		}
	case FormatMP3:
		buf, err = decodeMP3(path)
	default:
		if d.Runner == nil {
			return nil, fmt.Errorf("%w: %s needs ffmpeg", apperrors.ErrUnsupportedFormat, format)
		}
		buf, err = d.decodeFFmpeg(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	buf = buf.ToStereo()
	if buf.SampleRate != d.SampleRate {
		buf, err = Resample(buf, d.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("resample %s: %w", path, err)
		}
	}
	return buf, nil
}

func decodeWAV(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrFileNotFound, err)
	}
	defer f.Close()
	return DecodeWAVReader(f)
}

// DecodeWAVReader decodes integer PCM WAV data from r.
func DecodeWAVReader(r io.ReadSeeker) (*Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", apperrors.ErrCorruptedFile)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav audio format %d", apperrors.ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}

	channels := int(dec.NumChans)
	if channels == 0 {
		return nil, fmt.Errorf("%w: zero channels", apperrors.ErrCorruptedFile)
	}
	frames := len(pcm.Data) / channels
	out := NewBuffer(channels, frames, int(dec.SampleRate))

	full := math.Pow(2, float64(dec.BitDepth)-1)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out.Data[ch][i] = float64(pcm.Data[i*channels+ch]) / full
		}
	}
	return out, nil
}

func decodeMP3(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrFileNotFound, err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}

	// go-mp3 always yields 16-bit little endian stereo
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}
	frames := len(raw) / 4
	out := NewBuffer(2, frames, dec.SampleRate())
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		out.Data[0][i] = float64(l) / 32768
		out.Data[1][i] = float64(r) / 32768
	}
	return out, nil
}

// decodeFFmpeg pipes interleaved stereo f32le at the engine rate.
func (d *Decoder) decodeFFmpeg(ctx context.Context, path string) (*Buffer, error) {
	res, err := d.Runner.FFmpeg(ctx,
		"-i", path,
		"-ac", "2",
		"-ar", strconv.Itoa(d.SampleRate),
		"-f", "f32le",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}

	raw := res.Stdout
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: unexpected pcm length %d", apperrors.ErrCorruptedFile, len(raw))
	}
	samples := make([]float32, len(raw)/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}
	return FromInterleaved32(samples, 2, d.SampleRate), nil
}

// FromInterleaved32 converts interleaved float32 samples into a Buffer.
func FromInterleaved32(samples []float32, channels, sampleRate int) *Buffer {
	frames := len(samples) / channels
	out := NewBuffer(channels, frames, sampleRate)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out.Data[ch][i] = float64(samples[i*channels+ch])
		}
	}
	return out
}

// Interleaved32 flattens the buffer into interleaved float32 samples.
func (b *Buffer) Interleaved32() []float32 {
	channels, frames := b.Channels(), b.Frames()
	out := make([]float32, channels*frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = float32(b.Data[ch][i])
		}
	}
	return out
}
