package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// VoiceClient talks to a voice-character transform service. The service
// takes a vocal stem upload plus a target character and pitch offset and
// answers with the transformed stem as WAV.
type VoiceClient struct {
	baseURL    string
	sampleRate int
	http       *http.Client
}

// NewVoiceClient creates a client. An empty baseURL yields a client whose
// calls always fall back.
func NewVoiceClient(baseURL string, sampleRate int, timeout time.Duration) *VoiceClient {
	return &VoiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: sampleRate,
		http:       newHTTPClient(timeout),
	}
}

// Transform uploads stemPath and returns the transformed vocal.
func (c *VoiceClient) Transform(ctx context.Context, stemPath, target string, semitones float64) (*audio.Buffer, error) {
	if c == nil || c.baseURL == "" {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackUnconfigured, nil)
	}

	f, err := os.Open(stemPath)
	if err != nil {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackBadResponse, fmt.Errorf("open stem: %w", err))
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(stemPath))
	if err != nil {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackBadResponse, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackBadResponse, err)
	}
	_ = mw.WriteField("target", target)
	_ = mw.WriteField("pitch", strconv.FormatFloat(semitones, 'f', -1, 64))
	if err := mw.Close(); err != nil {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackBadResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transform", &body)
	if err != nil {
		return nil, apperrors.NewFallback(ServiceVoice, apperrors.FallbackUnconfigured, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "audio/wav")

	return doAudio(ctx, c.http, req, ServiceVoice, c.sampleRate)
}
