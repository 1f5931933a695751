package transcription

import "context"

// Invocation is what a loaded model needs to transcribe one file
type Invocation struct {
	AudioPath string
	Language  string
	Verbose   bool
}

// Engine loads model weights onto a device. Loads are expensive and may
// download weights on first use.
type Engine interface {
	Load(ctx context.Context, model, device string) (Model, error)
}

// Model is a loaded set of weights that can run inference
type Model interface {
	Transcribe(ctx context.Context, inv Invocation) (*RawResult, error)
	Close() error
}
