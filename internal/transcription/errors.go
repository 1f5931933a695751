package transcription

import "errors"

var (
	// ErrModelLoad is returned when model weights cannot be obtained
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is returned for failures while decoding or transcribing audio
	ErrInference = errors.New("inference failed")
	// ErrInternal marks programming defects, such as a panic while shaping a result
	ErrInternal = errors.New("internal error")
	// ErrUnknownModel is returned for model identifiers outside the configured set
	ErrUnknownModel = errors.New("unknown model")
)
