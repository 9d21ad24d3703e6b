package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

const maxBodySize = 10 * 1024 * 1024 // 10MB of timeline JSON

// clipRequest is the body of POST /clip.
type clipRequest struct {
	Clip timeline.ClipDescriptor `json:"clip"`
	BPM  float64                 `json:"bpm"`
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRender queues a timeline render and returns the job id.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var tl timeline.Timeline
	if err := json.NewDecoder(r.Body).Decode(&tl); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeline: %v", err))
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "":
		format = s.config.Format
	case "wav", "opus":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	job, err := s.jobs.Create(format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go s.jobs.Process(s.ctx, job, &tl)

	writeJSON(w, http.StatusAccepted, job.View())
}

// handleStatus returns job progress as JSON, or as an SSE stream when the
// client asks for text/event-stream.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSON(w, http.StatusOK, job.View())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-job.Updates:
			if !open {
				fmt.Fprintf(w, "event: done\n")
				fmt.Fprintf(w, "data: %s\n\n", job.View().Status)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "event: progress\n")
			fmt.Fprintf(w, "data: %s\n\n", update)
			flusher.Flush()
		}
	}
}

// handleResult serves the rendered master.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	view := job.View()
	switch view.Status {
	case StatusFailed:
		writeJSON(w, http.StatusUnprocessableEntity, view)
		return
	case StatusComplete:
	default:
		writeJSON(w, http.StatusConflict, view)
		return
	}

	path, format, _ := job.Output()
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusGone, "rendered file no longer available")
		return
	}

	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.%s\"", view.ID, extFor(format)))
	http.ServeFile(w, r, path)
}

// handleClip renders one clip synchronously and streams it back as WAV.
func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req clipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid clip: %v", err))
		return
	}

	rb, err := s.engine.RenderClip(r.Context(), req.Clip, req.BPM, "")
	if err != nil {
		writeError(w, clipStatus(err), err.Error())
		return
	}

	f, err := os.CreateTemp("", "audition-*.wav")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := audio.WriteWAV(f, rb.Buffer, s.config.BitDepth); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Cache-Hit", fmt.Sprint(rb.CacheHit))
	http.ServeContent(w, r, "clip.wav", time.Time{}, f)
}

// handleCacheSize reports render cache usage.
func (s *Server) handleCacheSize(w http.ResponseWriter, r *http.Request) {
	bytes, entries, err := s.engine.CacheSize()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bytes": bytes, "entries": entries})
}

// handleCacheClear empties the render cache.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clipStatus maps an audition failure to an HTTP status.
func clipStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidClip):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnsupportedFormat), errors.Is(err, apperrors.ErrCorruptedFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrNoActiveClips):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func contentType(format string) string {
	if format == "opus" {
		return "audio/ogg"
	}
	return "audio/wav"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
