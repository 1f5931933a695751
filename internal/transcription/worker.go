package transcription

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/whisper-gateway/pkg/logger"
)

//go:embed assets/whisper_worker.py
var workerScript []byte

// maxLineBytes bounds a single protocol line; transcripts of long files are large
const maxLineBytes = 64 << 20

// WorkerConfig describes how engine worker processes are started
type WorkerConfig struct {
	PythonPath   string   // Interpreter, e.g. "python3"
	ScriptPath   string   // Worker script; empty means the embedded one
	DownloadRoot string   // Where weights are cached (empty = engine default)
	Env          []string // Extra environment for the worker

	// Command and Args replace PythonPath/ScriptPath entirely when Command is set
	Command string
	Args    []string
}

// WorkerEngine runs one long-lived whisper-timestamped process per loaded
// model. The process loads weights once and then serves requests over a
// line-delimited JSON protocol on stdin/stdout.
type WorkerEngine struct {
	command      string
	args         []string
	downloadRoot string
	env          []string
	scriptDir    string
	logger       *logger.Logger
}

// NewWorkerEngine prepares the worker command, writing the embedded script to
// a temporary directory if no script path is configured
func NewWorkerEngine(cfg WorkerConfig, logger *logger.Logger) (*WorkerEngine, error) {
	e := &WorkerEngine{
		command:      cfg.Command,
		args:         cfg.Args,
		downloadRoot: cfg.DownloadRoot,
		env:          cfg.Env,
		logger:       logger.Named("worker-engine"),
	}
	if e.command != "" {
		return e, nil
	}

	python := cfg.PythonPath
	if python == "" {
		python = "python3"
	}
	script := cfg.ScriptPath
	if script == "" {
		dir, err := os.MkdirTemp("", "whisper-worker-")
		if err != nil {
			return nil, fmt.Errorf("failed to create worker script dir: %w", err)
		}
		script = filepath.Join(dir, "whisper_worker.py")
		if err := os.WriteFile(script, workerScript, 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write worker script: %w", err)
		}
		e.scriptDir = dir
	}

	e.command = python
	e.args = []string{"-u", script}
	return e, nil
}

// Cleanup removes the extracted worker script, if any
func (e *WorkerEngine) Cleanup() error {
	if e.scriptDir == "" {
		return nil
	}
	return os.RemoveAll(e.scriptDir)
}

type workerEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type workerRequest struct {
	ID       int64  `json:"id"`
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
	Verbose  bool   `json:"verbose,omitempty"`
}

type workerResponse struct {
	ID     int64      `json:"id"`
	Result *RawResult `json:"result"`
	Error  string     `json:"error"`
}

// Load starts a worker and waits until it reports the model as ready
func (e *WorkerEngine) Load(ctx context.Context, model, device string) (Model, error) {
	args := append([]string{}, e.args...)
	args = append(args, "--model", model, "--device", device)
	if e.downloadRoot != "" {
		args = append(args, "--download-root", e.downloadRoot)
	}

	// Not CommandContext: the process must outlive the load context
	cmd := exec.Command(e.command, args...)
	cmd.Env = append(os.Environ(), e.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	// Plain pipes instead of StdoutPipe so Wait does not close the read
	// ends before the final lines are consumed
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, fmt.Errorf("failed to start worker %s: %w", e.command, err)
	}

	w := &worker{
		model:  model,
		device: device,
		cmd:    cmd,
		stdin:  stdin,
		out:    outR,
		stdout: bufio.NewReaderSize(outR, 64<<10),
		stderr: newTailBuffer(8 << 10),
		exited: make(chan struct{}),
		logger: e.logger.With(logger.String("model", model), logger.String("device", device), logger.Int("pid", cmd.Process.Pid)),
	}
	go w.drainStderr(errR)
	go w.wait()

	ready := make(chan error, 1)
	go func() { ready <- w.awaitReady() }()

	select {
	case err := <-ready:
		if err != nil {
			w.kill()
			return nil, err
		}
	case <-ctx.Done():
		w.kill()
		return nil, fmt.Errorf("worker did not become ready: %w", ctx.Err())
	}

	w.logger.Debug("Worker ready")
	return w, nil
}

// worker is a loaded model backed by a running process
type worker struct {
	model  string
	device string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *os.File
	stdout *bufio.Reader
	stderr *tailBuffer
	logger *logger.Logger

	// mu serialises requests; the protocol carries one in-flight request
	mu     sync.Mutex
	nextID int64

	// broken is read without mu so liveness checks never wait on inference
	broken atomic.Bool

	exited  chan struct{}
	waitErr error
}

func (w *worker) wait() {
	w.waitErr = w.cmd.Wait()
	close(w.exited)
}

func (w *worker) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		w.stderr.WriteLine(line)
		w.logger.Debug("worker", logger.String("line", line))
	}
}

func (w *worker) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := w.stdout.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("worker output line exceeds %d bytes", maxLineBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		return line, nil
	}
}

func (w *worker) awaitReady() error {
	for {
		line, err := w.readLine()
		if err != nil {
			return fmt.Errorf("worker exited before ready: %s", w.exitReason(err))
		}
		var ev workerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			w.logger.Debug("Ignoring non-protocol worker output", logger.String("line", strings.TrimSpace(string(line))))
			continue
		}
		switch ev.Event {
		case "ready":
			return nil
		case "error":
			return errors.New(ev.Message)
		}
	}
}

// Transcribe sends one request to the worker. Inference cannot be cancelled;
// ctx is only checked before the request is sent.
func (w *worker) Transcribe(ctx context.Context, inv Invocation) (*RawResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.broken.Load() || w.hasExited() {
		return nil, fmt.Errorf("worker is not running: %s", w.exitReason(nil))
	}

	w.nextID++
	req := workerRequest{ID: w.nextID, Audio: inv.AudioPath, Language: inv.Language, Verbose: inv.Verbose}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker request: %w", err)
	}
	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		w.broken.Store(true)
		return nil, fmt.Errorf("failed to send request to worker: %s", w.exitReason(err))
	}

	for {
		line, err := w.readLine()
		if err != nil {
			w.broken.Store(true)
			return nil, fmt.Errorf("worker stopped during inference: %s", w.exitReason(err))
		}
		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			w.logger.Debug("Ignoring non-protocol worker output", logger.String("line", strings.TrimSpace(string(line))))
			continue
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		if resp.Result == nil {
			return nil, errors.New("worker returned an empty result")
		}
		return resp.Result, nil
	}
}

// PID returns the worker's process id
func (w *worker) PID() int {
	return w.cmd.Process.Pid
}

// Alive reports whether the worker can still serve requests
func (w *worker) Alive() bool {
	return !w.broken.Load() && !w.hasExited()
}

// Close asks the worker to exit by closing stdin, then kills it if needed
func (w *worker) Close() error {
	_ = w.stdin.Close()
	select {
	case <-w.exited:
		w.out.Close()
		return nil
	case <-time.After(5 * time.Second):
		w.logger.Warn("Worker did not exit, killing it")
		w.kill()
		return nil
	}
}

func (w *worker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	<-w.exited
	w.out.Close()
}

func (w *worker) hasExited() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

// exitReason builds an error description from the process state and the
// tail of its stderr
func (w *worker) exitReason(err error) string {
	var parts []string
	if err != nil && !errors.Is(err, io.EOF) {
		parts = append(parts, err.Error())
	}
	if w.hasExited() && w.waitErr != nil {
		parts = append(parts, w.waitErr.Error())
	}
	if tail := w.stderr.String(); tail != "" {
		parts = append(parts, tail)
	}
	if len(parts) == 0 {
		return "unexpected end of output"
	}
	return strings.Join(parts, ": ")
}

// tailBuffer keeps the last lines written to it, up to a byte budget
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	size  int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	t.size += len(line)
	for t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0])
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}
