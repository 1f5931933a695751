package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/yegors/whisper-gateway/internal/audio"
	"github.com/yegors/whisper-gateway/internal/device"
	"github.com/yegors/whisper-gateway/internal/transcription"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

// ErrorKind is the machine-readable error type in error responses
type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "UnsupportedFormat"
	KindFetchError        ErrorKind = "FetchError"
	KindBadParameter      ErrorKind = "BadParameter"
	KindModelLoadError    ErrorKind = "ModelLoadError"
	KindInferenceError    ErrorKind = "InferenceError"
	KindInternalError     ErrorKind = "InternalError"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure
type ErrorDetail struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// errBadParameter wraps request validation failures
var errBadParameter = errors.New("bad parameter")

type classified struct {
	kind   ErrorKind
	status int
	// public is the message shown to clients; empty means err.Error()
	public string
}

func classify(err error) classified {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return classified{kind: KindUnsupportedFormat, status: http.StatusBadRequest}
	case errors.Is(err, audio.ErrFetch):
		return classified{kind: KindFetchError, status: http.StatusBadRequest}
	case errors.Is(err, errBadParameter),
		errors.Is(err, audio.ErrTooLarge),
		errors.Is(err, audio.ErrInvalidURL),
		errors.Is(err, device.ErrUnknown),
		errors.Is(err, transcription.ErrUnknownModel):
		return classified{kind: KindBadParameter, status: http.StatusUnprocessableEntity}
	case errors.As(err, &maxBytes):
		return classified{kind: KindBadParameter, status: http.StatusUnprocessableEntity, public: "request body too large"}
	case errors.Is(err, transcription.ErrModelLoad):
		return classified{kind: KindModelLoadError, status: http.StatusServiceUnavailable, public: "model could not be loaded, try again later"}
	case errors.Is(err, transcription.ErrInference):
		return classified{kind: KindInferenceError, status: http.StatusInternalServerError, public: "transcription failed"}
	default:
		return classified{kind: KindInternalError, status: http.StatusInternalServerError, public: "internal error"}
	}
}

// writeError maps err to a status and error body. Engine and internal
// failures are logged with their cause and shown to clients generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.logger.Info("Client disconnected before the response was ready",
			logger.String("path", r.URL.Path))
		return
	}

	c := classify(err)
	msg := c.public
	if msg == "" {
		msg = err.Error()
	}

	if c.status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.String("type", string(c.kind)),
			logger.Error(err))
	} else {
		h.logger.Debug("Rejected request",
			logger.String("path", r.URL.Path),
			logger.String("type", string(c.kind)),
			logger.Error(err))
	}

	WriteJSON(w, c.status, ErrorBody{Error: ErrorDetail{Type: c.kind, Message: msg}})
}
