package transcription

// Request holds the validated parameters of one transcription call
type Request struct {
	Model          string // Model identifier, one of the configured set
	Language       string // Optional language code; empty means auto-detect
	Device         string // Optional device preference; empty means the configured default
	Verbose        bool   // Ask the engine for verbose output and include segment diagnostics
	WordTimestamps bool   // Include word-level timestamps in the result
}

// Result is the public transcription schema
type Result struct {
	Text              string    `json:"text"`
	Language          string    `json:"language"`
	Segments          []Segment `json:"segments"`
	Duration          float64   `json:"duration"`
	ModelUsed         string    `json:"model_used"`
	DeviceUsed        string    `json:"device_used"`
	ProcessingSeconds float64   `json:"processing_seconds"`
	Filename          string    `json:"filename,omitempty"`
	SourceURL         string    `json:"source_url,omitempty"`
}

// Segment is a contiguous span of transcribed speech
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`

	// Engine diagnostics, only populated for verbose requests
	Seek             *int     `json:"seek,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	AvgLogprob       *float64 `json:"avg_logprob,omitempty"`
	CompressionRatio *float64 `json:"compression_ratio,omitempty"`
	NoSpeechProb     *float64 `json:"no_speech_prob,omitempty"`
}

// Word is the finest-grained timestamped unit within a segment
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// RawResult is the engine's output, as emitted by whisper-timestamped
type RawResult struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Segments []RawSegment `json:"segments"`
}

// RawSegment is one segment of engine output
type RawSegment struct {
	ID               int       `json:"id"`
	Seek             int       `json:"seek"`
	Start            float64   `json:"start"`
	End              float64   `json:"end"`
	Text             string    `json:"text"`
	Temperature      float64   `json:"temperature"`
	AvgLogprob       float64   `json:"avg_logprob"`
	CompressionRatio float64   `json:"compression_ratio"`
	NoSpeechProb     float64   `json:"no_speech_prob"`
	Confidence       float64   `json:"confidence"`
	Words            []RawWord `json:"words"`
}

// RawWord is one word of engine output
type RawWord struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}
