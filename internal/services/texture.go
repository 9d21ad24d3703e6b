package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// TextureRequest asks the generator for an ambient pad.
type TextureRequest struct {
	Prompt    string  `json:"prompt"`
	Duration  float64 `json:"duration"` // seconds
	Source    string  `json:"source,omitempty"`
	SourceBPM float64 `json:"bpm,omitempty"`
	Seed      int64   `json:"seed,omitempty"`
}

// TextureClient talks to a generative texture service that answers a JSON
// request with WAV audio.
type TextureClient struct {
	baseURL    string
	sampleRate int
	http       *http.Client
}

// NewTextureClient creates a client. An empty baseURL yields a client whose
// calls always fall back.
func NewTextureClient(baseURL string, sampleRate int, timeout time.Duration) *TextureClient {
	return &TextureClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: sampleRate,
		http:       newHTTPClient(timeout),
	}
}

// Generate requests durationMs of texture. The returned buffer may be
// shorter or longer than asked; callers fit it.
func (c *TextureClient) Generate(ctx context.Context, req TextureRequest) (*audio.Buffer, error) {
	if c == nil || c.baseURL == "" {
		return nil, apperrors.NewFallback(ServiceTexture, apperrors.FallbackUnconfigured, nil)
	}
	if req.Source != "" {
		req.Source = filepath.Base(req.Source)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewFallback(ServiceTexture, apperrors.FallbackBadResponse, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewFallback(ServiceTexture, apperrors.FallbackUnconfigured, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	return doAudio(ctx, c.http, httpReq, ServiceTexture, c.sampleRate)
}
