package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// maxAudioResponse caps service responses.
const maxAudioResponse = 256 << 20

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doAudio sends req and decodes a WAV body at sampleRate. Every failure is
// mapped to a FallbackError for service.
func doAudio(ctx context.Context, client *http.Client, req *http.Request, service string, sampleRate int) (*audio.Buffer, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewFallback(service, transportReason(ctx, err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.NewFallback(service, apperrors.FallbackBadResponse,
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioResponse))
	if err != nil {
		return nil, apperrors.NewFallback(service, transportReason(ctx, err), err)
	}
	if len(body) == 0 {
		return nil, apperrors.NewFallback(service, apperrors.FallbackEmptyResult, nil)
	}

	buf, err := audio.DecodeWAVReader(bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewFallback(service, apperrors.FallbackBadResponse, err)
	}
	if buf.Frames() == 0 {
		return nil, apperrors.NewFallback(service, apperrors.FallbackEmptyResult, nil)
	}
	out, err := audio.Resample(buf.ToStereo(), sampleRate)
	if err != nil {
		return nil, apperrors.NewFallback(service, apperrors.FallbackBadResponse, err)
	}
	return out, nil
}

func transportReason(ctx context.Context, err error) apperrors.FallbackReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.FallbackTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperrors.FallbackTimeout
	}
	return apperrors.FallbackUnreachable
}
