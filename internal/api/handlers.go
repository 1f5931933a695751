package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yegors/whisper-gateway/internal/audio"
	"github.com/yegors/whisper-gateway/internal/transcription"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

// serviceName is reported by the root endpoint
const serviceName = "whisper-timestamped"

// multipartMemory is how much of a multipart body is held in memory before
// net/http spills it to disk
const multipartMemory = 32 << 20

// Handler contains the API handlers
type Handler struct {
	service  *transcription.Service
	fetcher  *audio.Fetcher
	validate *validator.Validate
	limits   Limits
	logger   *logger.Logger
}

// Limits bounds what a single request may upload
type Limits struct {
	TempDir        string // Where uploads are staged (empty = OS temp dir)
	MaxUploadBytes int64  // Largest accepted audio file
}

// NewHandler creates a new API handler
func NewHandler(service *transcription.Service, fetcher *audio.Fetcher, limits Limits, logger *logger.Logger) *Handler {
	return &Handler{
		service:  service,
		fetcher:  fetcher,
		validate: newValidator(service.HasModel),
		limits:   limits,
		logger:   logger.Named("api-handler"),
	}
}

// GetRoot returns a short liveness response
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":      "healthy",
		"service":     serviceName,
		"device_info": h.service.Availability(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetHealth returns the health status of the service
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":            "healthy",
		"device_info":       h.service.Availability(),
		"supported_formats": audio.SupportedFormats(),
		"available_models":  h.service.Models(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetModels lists the accepted models and the ones currently loaded
func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"available_models": h.service.Models(),
		"loaded_models":    h.service.Loaded(),
		"model_processes":  h.service.Stats(),
		"device_info":      h.service.Availability(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// Transcribe handles a multipart upload in the "file" field
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.limits.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.writeError(w, r, err)
			return
		}
		h.writeError(w, r, fmt.Errorf("%w: expected a multipart/form-data body: %v", errBadParameter, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	params, err := h.parseParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: missing upload in field \"file\"", errBadParameter))
		return
	}
	defer file.Close()

	staged, err := audio.StageUpload(file, header.Filename, h.limits.TempDir, h.limits.MaxUploadBytes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer h.release(staged)

	h.logger.Info("Transcribing upload",
		logger.String("filename", header.Filename),
		logger.Int64("bytes", staged.Size()),
		logger.String("model", params.Model))

	result, err := h.service.Transcribe(r.Context(), staged.Path(), params.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result.Filename = header.Filename

	h.logger.Debug("Upload transcription completed",
		logger.String("filename", header.Filename),
		logger.Duration("duration", time.Since(start)))
	WriteJSON(w, http.StatusOK, result)
}

// TranscribeURL handles audio referenced by a URL given in the query string,
// a form field or a JSON body
func (h *Handler) TranscribeURL(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	params, err := h.parseParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if params.URL == "" {
		h.writeError(w, r, fmt.Errorf("%w: url is required", errBadParameter))
		return
	}

	staged, err := h.fetcher.Fetch(r.Context(), params.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer h.release(staged)

	h.logger.Info("Transcribing audio from URL",
		logger.String("url", params.URL),
		logger.Int64("bytes", staged.Size()),
		logger.String("format", staged.Format()),
		logger.String("model", params.Model))

	result, err := h.service.Transcribe(r.Context(), staged.Path(), params.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result.SourceURL = params.URL

	h.logger.Debug("URL transcription completed",
		logger.String("url", params.URL),
		logger.Duration("duration", time.Since(start)))
	WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) release(s *audio.Staged) {
	if err := s.Release(); err != nil {
		h.logger.Warn("Failed to remove staged audio", logger.String("path", s.Path()), logger.Error(err))
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
