package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate   = 48000
	opusFrameSamples = 960 // 20ms at 48kHz
	opusBitrate      = 192000
)

// Export writes buf to path in the given format ("wav" or "opus").
func Export(path string, buf *Buffer, format string, bitDepth int) error {
	switch strings.ToLower(format) {
	case "", "wav":
		return EncodeWAV(path, buf, bitDepth)
	case "opus", "ogg":
		return EncodeOpus(path, buf)
	}
	return fmt.Errorf("export: unknown format %q", format)
}

// EncodeWAV writes integer PCM. Samples are clamped to [-1, 1].
func EncodeWAV(path string, buf *Buffer, bitDepth int) error {
	return writeAtomic(path, func(f *os.File) error {
		return WriteWAV(f, buf, bitDepth)
	})
}

// WriteWAV encodes buf as 16 or 24 bit PCM into w.
func WriteWAV(w io.WriteSeeker, buf *Buffer, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 {
		bitDepth = 16
	}
	channels := buf.Channels()
	enc := wav.NewEncoder(w, buf.SampleRate, bitDepth, channels, 1)

	full := math.Pow(2, float64(bitDepth)-1) - 1
	frames := buf.Frames()
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := clamp(buf.Data[ch][i], -1, 1)
			data[i*channels+ch] = int(math.Round(v * full))
		}
	}

	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: buf.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}

// EncodeOpus resamples to 48kHz stereo and writes an Ogg Opus file.
func EncodeOpus(path string, buf *Buffer) error {
	stereo := buf.ToStereo()
	resampled, err := Resample(stereo, opusSampleRate)
	if err != nil {
		return err
	}

	enc, err := opus.NewEncoder(opusSampleRate, 2, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return fmt.Errorf("opus bitrate: %w", err)
	}

	return writeAtomic(path, func(f *os.File) error {
		ogg, err := oggwriter.NewWith(f, opusSampleRate, 2)
		if err != nil {
			return fmt.Errorf("ogg writer: %w", err)
		}

		pcm := resampled.Interleaved32()
		frameLen := opusFrameSamples * 2
		packet := make([]byte, 4000)
		frame := make([]float32, frameLen)

		var seq uint16
		var ts uint32
		for off := 0; off < len(pcm); off += frameLen {
			n := copy(frame, pcm[off:])
			for i := n; i < frameLen; i++ {
				frame[i] = 0
			}
			size, err := enc.EncodeFloat32(frame, packet)
			if err != nil {
				return fmt.Errorf("opus encode: %w", err)
			}
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: append([]byte(nil), packet[:size]...),
			}
			if err := ogg.WriteRTP(pkt); err != nil {
				return fmt.Errorf("ogg write: %w", err)
			}
			seq++
			ts += opusFrameSamples
		}
		return ogg.Close()
	})
}

// writeAtomic writes through a temp file in the target directory and renames
// it into place, so readers never see a partial file.
func writeAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	// ogg writer closes the file itself; a second Close error is ignored
	tmp.Close()

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
