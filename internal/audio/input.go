package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

const (
	MaxFileSize = 512 * 1024 * 1024 // 512MB
)

// Format represents an audio file format
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatUnknown Format = "unknown"
)

// ValidateInput checks if the source file exists, is within size limits and
// has a recognised audio format.
func ValidateInput(path string) (Format, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return FormatUnknown, fmt.Errorf("%w: %s", apperrors.ErrFileNotFound, path)
	}
	if err != nil {
		return FormatUnknown, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return FormatUnknown, fmt.Errorf("%w: %s is a directory", apperrors.ErrUnsupportedFormat, path)
	}

	if info.Size() > MaxFileSize {
		return FormatUnknown, fmt.Errorf("%w: maximum size is 512MB", apperrors.ErrFileTooLarge)
	}

	format, err := detectFormat(path)
	if err != nil {
		return FormatUnknown, err
	}

	if format == FormatUnknown {
		return FormatUnknown, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, path)
	}

	return format, nil
}

// detectFormat checks file magic bytes to determine audio format
func detectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("%w: %v", apperrors.ErrCorruptedFile, err)
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && n < 4 {
		return FormatUnknown, fmt.Errorf("%w: could not read file header", apperrors.ErrCorruptedFile)
	}
	return sniff(header[:n], path), nil
}

func sniff(header []byte, path string) Format {
	n := len(header)

	// RIFF....WAVE
	if n >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WAVE" {
		return FormatWAV
	}
	if string(header[:4]) == "OggS" {
		return FormatOGG
	}
	if string(header[:4]) == "fLaC" {
		return FormatFLAC
	}
	// MP3 with ID3 tag
	if string(header[:3]) == "ID3" {
		return FormatMP3
	}
	// MP3 frame sync
	if header[0] == 0xFF && (header[1]&0xE0) == 0xE0 {
		return FormatMP3
	}

	// Fallback: check extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".ogg", ".opus":
		return FormatOGG
	case ".flac":
		return FormatFLAC
	}
	return FormatUnknown
}
