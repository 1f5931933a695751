package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/whisper-gateway/internal/audio"
	"github.com/yegors/whisper-gateway/internal/device"
	"github.com/yegors/whisper-gateway/internal/metrics"
	"github.com/yegors/whisper-gateway/internal/transcription"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

var testModels = []string{"tiny", "base", "small", "medium", "large", "large-v2", "large-v3"}

// stubEngine counts loads and returns deliberately unordered segments
type stubEngine struct {
	loads    atomic.Int32
	gate     chan struct{}
	loadErr  error
	inferErr error
	// seen records that the staged file existed while inference ran
	seen sync.Map
}

func (e *stubEngine) Load(ctx context.Context, model, dev string) (transcription.Model, error) {
	e.loads.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return &stubModel{engine: e}, nil
}

type stubModel struct {
	engine *stubEngine
}

func (m *stubModel) Transcribe(ctx context.Context, inv transcription.Invocation) (*transcription.RawResult, error) {
	if _, err := os.Stat(inv.AudioPath); err == nil {
		m.engine.seen.Store(inv.AudioPath, true)
	}
	if m.engine.inferErr != nil {
		return nil, m.engine.inferErr
	}
	return &transcription.RawResult{
		Text:     " hello world again",
		Language: inv.Language,
		Segments: []transcription.RawSegment{
			{Start: 3.0, End: 4.5, Text: " again", Confidence: 0.7, Words: []transcription.RawWord{
				{Text: " again", Start: 2.9, End: 4.6, Confidence: 0.7},
			}},
			{Start: 0.0, End: 1.2, Text: " hello", Confidence: 0.9, Words: []transcription.RawWord{
				{Text: " hello", Start: 0.1, End: 1.1, Confidence: 0.95},
			}},
			{Start: 1.2, End: 1.0, Text: " world", Confidence: 1.3, Words: []transcription.RawWord{
				{Text: " world", Start: 1.3, End: 1.9, Confidence: 0.8},
			}},
		},
	}, nil
}

func (m *stubModel) Close() error { return nil }

type staticDevices device.Availability

func (d staticDevices) Availability() device.Availability { return device.Availability(d) }

type testEnv struct {
	server  *httptest.Server
	engine  *stubEngine
	tempDir string
}

func newTestEnv(t *testing.T, engine *stubEngine) *testEnv {
	t.Helper()

	log := logger.NewNop()
	tempDir := t.TempDir()

	m, err := metrics.Setup()
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	cache := transcription.NewModelCache(engine, time.Minute, m, log)
	service := transcription.NewService(cache, staticDevices(device.Availability{CPUCount: 4}), transcription.ServiceConfig{
		Models:       testModels,
		DefaultModel: "base",
	}, m, log)
	fetcher := audio.NewFetcher(audio.FetcherConfig{Timeout: 5 * time.Second, MaxBytes: 1 << 20, TempDir: tempDir}, log)
	handler := NewHandler(service, fetcher, Limits{TempDir: tempDir, MaxUploadBytes: 1 << 20}, log)
	router := NewRouter(handler, m, RouterConfig{CORSAllowedOrigins: []string{"*"}}, log)

	srv := httptest.NewServer(router.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, engine: engine, tempDir: tempDir}
}

func (env *testEnv) assertNoStagedFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(env.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged audio must be removed")
}

func (env *testEnv) upload(t *testing.T, filename string, content []byte, query url.Values) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	u := env.server.URL + "/transcribe"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Post(u, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func assertErrorType(t *testing.T, resp *http.Response, status int, kind ErrorKind) ErrorBody {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, kind, body.Error.Type)
	assert.NotEmpty(t, body.Error.Message)
	return body
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", root["status"])
	assert.Equal(t, serviceName, root["service"])
	assert.Contains(t, root, "device_info")

	resp, err = http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status           string              `json:"status"`
		DeviceInfo       device.Availability `json:"device_info"`
		SupportedFormats []string            `json:"supported_formats"`
		AvailableModels  []string            `json:"available_models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 4, health.DeviceInfo.CPUCount)
	assert.ElementsMatch(t, []string{"mp3", "wav", "m4a", "flac", "ogg", "wma", "aac"}, health.SupportedFormats)
	assert.Equal(t, testModels, health.AvailableModels)
}

func TestModelsIsSupersetOfCoreSet(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp, err := http.Get(env.server.URL + "/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AvailableModels []string `json:"available_models"`
		LoadedModels    []string `json:"loaded_models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Subset(t, body.AvailableModels, []string{"tiny", "base", "small", "medium", "large"})
	assert.Empty(t, body.LoadedModels)
}

func TestTranscribeUpload(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp := env.upload(t, "meeting.wav", []byte("RIFF....WAVEfmt "), url.Values{
		"model":    {"tiny"},
		"language": {"en"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[transcription.Result](t, resp)
	assert.Equal(t, "hello world again", res.Text)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, "tiny", res.ModelUsed)
	assert.Equal(t, "cpu", res.DeviceUsed)
	assert.Equal(t, "meeting.wav", res.Filename)
	assert.Empty(t, res.SourceURL)

	require.Len(t, res.Segments, 3)
	for i, seg := range res.Segments {
		if i > 0 {
			assert.LessOrEqual(t, res.Segments[i-1].Start, seg.Start)
		}
		assert.GreaterOrEqual(t, seg.End, seg.Start)
		require.NotEmpty(t, seg.Words)
		for _, w := range seg.Words {
			assert.GreaterOrEqual(t, w.Start, seg.Start)
			assert.LessOrEqual(t, w.End, seg.End)
		}
	}

	// the engine saw the staged file, which is gone now
	count := 0
	env.engine.seen.Range(func(k, v any) bool { count++; return true })
	assert.Equal(t, 1, count)
	env.assertNoStagedFiles(t)

	resp, err := http.Get(env.server.URL + "/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	models := decode[map[string]any](t, resp)
	assert.Equal(t, []any{"tiny_cpu"}, models["loaded_models"])
	require.Len(t, models["model_processes"], 1)
	assert.Equal(t, "tiny_cpu", models["model_processes"].([]any)[0].(map[string]any)["key"])
}

func TestTranscribeUploadOptions(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp := env.upload(t, "clip.MP3", []byte("ID3 data"), url.Values{
		"word_timestamps": {"false"},
		"verbose":         {"true"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[transcription.Result](t, resp)
	assert.Equal(t, "base", res.ModelUsed)
	assert.Equal(t, "unknown", res.Language)
	for _, seg := range res.Segments {
		assert.Empty(t, seg.Words)
		assert.NotNil(t, seg.Seek)
	}
}

func TestTranscribeUploadRejections(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	tests := []struct {
		name     string
		filename string
		content  []byte
		query    url.Values
		status   int
		kind     ErrorKind
	}{
		{"unsupported extension", "notes.txt", []byte("text"), nil, http.StatusBadRequest, KindUnsupportedFormat},
		{"no extension", "audio", []byte("data"), nil, http.StatusBadRequest, KindUnsupportedFormat},
		{"unknown model", "a.wav", []byte("data"), url.Values{"model": {"huge"}}, http.StatusUnprocessableEntity, KindBadParameter},
		{"unknown device", "a.wav", []byte("data"), url.Values{"device": {"tpu"}}, http.StatusUnprocessableEntity, KindBadParameter},
		{"bad boolean", "a.wav", []byte("data"), url.Values{"verbose": {"maybe"}}, http.StatusUnprocessableEntity, KindBadParameter},
		{"too large", "a.wav", bytes.Repeat([]byte("x"), 2<<20), nil, http.StatusUnprocessableEntity, KindBadParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.upload(t, tt.filename, tt.content, tt.query)
			assertErrorType(t, resp, tt.status, tt.kind)
			env.assertNoStagedFiles(t)
		})
	}
	assert.Zero(t, env.engine.loads.Load())
}

func TestTranscribeMissingFile(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("model", "tiny"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/transcribe", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assertErrorType(t, resp, http.StatusUnprocessableEntity, KindBadParameter)

	resp, err = http.Post(env.server.URL+"/transcribe", "text/plain", strings.NewReader("nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assertErrorType(t, resp, http.StatusUnprocessableEntity, KindBadParameter)
}

func TestTranscribeEngineFailures(t *testing.T) {
	t.Run("model load", func(t *testing.T) {
		env := newTestEnv(t, &stubEngine{loadErr: errors.New("connection refused while downloading weights")})
		resp := env.upload(t, "a.wav", []byte("data"), nil)
		body := assertErrorType(t, resp, http.StatusServiceUnavailable, KindModelLoadError)
		assert.NotContains(t, body.Error.Message, "connection refused")
		env.assertNoStagedFiles(t)
	})

	t.Run("inference", func(t *testing.T) {
		env := newTestEnv(t, &stubEngine{inferErr: errors.New("ffmpeg: invalid data found")})
		resp := env.upload(t, "a.wav", []byte("data"), nil)
		body := assertErrorType(t, resp, http.StatusInternalServerError, KindInferenceError)
		assert.NotContains(t, body.Error.Message, "ffmpeg")
		env.assertNoStagedFiles(t)
	})
}

func TestConcurrentFirstRequestsLoadOnce(t *testing.T) {
	engine := &stubEngine{gate: make(chan struct{})}
	env := newTestEnv(t, engine)

	const n = 2
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			fw, _ := mw.CreateFormFile("file", "a.flac")
			fw.Write([]byte("fLaC"))
			mw.Close()
			resp, err := http.Post(env.server.URL+"/transcribe?model=small", mw.FormDataContentType(), &body)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			statuses[i] = resp.StatusCode
		}()
	}

	require.Eventually(t, func() bool { return engine.loads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, statuses)
	assert.EqualValues(t, 1, engine.loads.Load())
	env.assertNoStagedFiles(t)
}

func newAudioOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sample.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3\x03\x00\x00\x00\x00\x00\x00 audio"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>not audio</body></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribeURL(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})
	origin := newAudioOrigin(t)
	source := origin.URL + "/sample.mp3"

	t.Run("query", func(t *testing.T) {
		resp, err := http.Post(env.server.URL+"/transcribe-url?"+url.Values{"url": {source}, "model": {"tiny"}}.Encode(), "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		res := decode[transcription.Result](t, resp)
		assert.Equal(t, source, res.SourceURL)
		assert.Empty(t, res.Filename)
		assert.Equal(t, "tiny", res.ModelUsed)
		env.assertNoStagedFiles(t)
	})

	t.Run("form", func(t *testing.T) {
		resp, err := http.PostForm(env.server.URL+"/transcribe-url", url.Values{"url": {source}})
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "base", decode[transcription.Result](t, resp).ModelUsed)
	})

	t.Run("json", func(t *testing.T) {
		payload := `{"url":"` + source + `","model":"small","word_timestamps":false}`
		resp, err := http.Post(env.server.URL+"/transcribe-url", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		res := decode[transcription.Result](t, resp)
		assert.Equal(t, "small", res.ModelUsed)
		for _, seg := range res.Segments {
			assert.Empty(t, seg.Words)
		}
		env.assertNoStagedFiles(t)
	})
}

func TestTranscribeURLFailures(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})
	origin := newAudioOrigin(t)

	tests := []struct {
		name   string
		url    string
		status int
		kind   ErrorKind
	}{
		{"not found", origin.URL + "/missing.mp3", http.StatusBadRequest, KindFetchError},
		{"not audio", origin.URL + "/page", http.StatusBadRequest, KindUnsupportedFormat},
		{"unreachable", "http://127.0.0.1:1/a.mp3", http.StatusBadRequest, KindFetchError},
		{"bad scheme", "ftp://example.com/a.mp3", http.StatusUnprocessableEntity, KindBadParameter},
		{"missing", "", http.StatusUnprocessableEntity, KindBadParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.PostForm(env.server.URL+"/transcribe-url", url.Values{"url": {tt.url}})
			require.NoError(t, err)
			defer resp.Body.Close()
			assertErrorType(t, resp, tt.status, tt.kind)
			env.assertNoStagedFiles(t)
		})
	}

	resp, err := http.Post(env.server.URL+"/transcribe-url", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assertErrorType(t, resp, http.StatusUnprocessableEntity, KindBadParameter)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp := env.upload(t, "a.wav", []byte("data"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)

	text, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `path="/transcribe"`)
	assert.Contains(t, string(text), "model_loads")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   ErrorKind
	}{
		{audio.ErrUnsupportedFormat, http.StatusBadRequest, KindUnsupportedFormat},
		{audio.ErrFetch, http.StatusBadRequest, KindFetchError},
		{audio.ErrTooLarge, http.StatusUnprocessableEntity, KindBadParameter},
		{device.ErrUnknown, http.StatusUnprocessableEntity, KindBadParameter},
		{transcription.ErrUnknownModel, http.StatusUnprocessableEntity, KindBadParameter},
		{transcription.ErrModelLoad, http.StatusServiceUnavailable, KindModelLoadError},
		{transcription.ErrInference, http.StatusInternalServerError, KindInferenceError},
		{transcription.ErrInternal, http.StatusInternalServerError, KindInternalError},
		{errors.New("boom"), http.StatusInternalServerError, KindInternalError},
	}

	for _, tt := range tests {
		c := classify(tt.err)
		assert.Equal(t, tt.status, c.status, tt.err.Error())
		assert.Equal(t, tt.kind, c.kind, tt.err.Error())
	}
}

func TestWriteErrorBodyShape(t *testing.T) {
	h := &Handler{logger: logger.NewNop()}
	rec := httptest.NewRecorder()
	h.writeError(rec, httptest.NewRequest(http.MethodPost, "/transcribe", nil), audio.ErrUnsupportedFormat)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"type":"UnsupportedFormat","message":"unsupported audio format"}}`, rec.Body.String())
}

func TestDocs(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	resp, err := http.Get(env.server.URL + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	for _, p := range []string{"/", "/health", "/models", "/transcribe", "/transcribe-url"} {
		assert.Contains(t, doc.Paths, p)
	}

	resp, err = http.Get(env.server.URL + "/docs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
