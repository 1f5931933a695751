package transcription

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/yegors/whisper-gateway/internal/device"
)

// countingEngine records loads and can hold them until released
type countingEngine struct {
	loads    atomic.Int32
	gate     chan struct{} // nil means loads return immediately
	loadErr  error
	result   *RawResult
	inferErr error

	mu      sync.Mutex
	created []*fakeModel
}

func (e *countingEngine) Load(ctx context.Context, model, dev string) (Model, error) {
	e.loads.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	m := &fakeModel{engine: e, alive: true}
	e.mu.Lock()
	e.created = append(e.created, m)
	e.mu.Unlock()
	return m, nil
}

type fakeModel struct {
	engine *countingEngine

	mu     sync.Mutex
	alive  bool
	closed bool
	calls  []Invocation
}

func (m *fakeModel) Transcribe(ctx context.Context, inv Invocation) (*RawResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()
	if m.engine.inferErr != nil {
		return nil, m.engine.inferErr
	}
	if m.engine.result != nil {
		return m.engine.result, nil
	}
	return &RawResult{
		Text:     " " + filepath.Base(inv.AudioPath) + " ",
		Language: "en",
		Segments: []RawSegment{{Start: 0, End: 1, Text: filepath.Base(inv.AudioPath), Confidence: 0.9}},
	}, nil
}

// PID reports the test process so stats have something real to sample
func (m *fakeModel) PID() int { return os.Getpid() }

func (m *fakeModel) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

type staticDevices device.Availability

func (d staticDevices) Availability() device.Availability { return device.Availability(d) }
