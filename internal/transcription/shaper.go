package transcription

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ShapeOptions controls which optional parts of the engine output are kept
type ShapeOptions struct {
	Verbose        bool
	WordTimestamps bool
}

// Shape converts raw engine output into the public schema. Segments come out
// ordered by start with end >= start, words lie inside their segment and
// confidences are within [0, 1]. It has no side effects.
func Shape(raw *RawResult, opts ShapeOptions) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: shaping engine output: %v", ErrInternal, r)
		}
	}()

	if raw == nil {
		return nil, fmt.Errorf("%w: no engine output", ErrInternal)
	}

	ordered := make([]RawSegment, len(raw.Segments))
	copy(ordered, raw.Segments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return seconds(ordered[i].Start) < seconds(ordered[j].Start)
	})

	res = &Result{
		Text:     strings.TrimSpace(raw.Text),
		Language: raw.Language,
		Segments: make([]Segment, 0, len(ordered)),
	}
	if res.Language == "" {
		res.Language = "unknown"
	}

	for i, rs := range ordered {
		start := seconds(rs.Start)
		end := math.Max(seconds(rs.End), start)

		seg := Segment{
			ID:         i,
			Start:      start,
			End:        end,
			Text:       strings.TrimSpace(rs.Text),
			Confidence: unit(rs.Confidence),
		}

		if opts.WordTimestamps {
			seg.Words = shapeWords(rs.Words, start, end)
		}

		if opts.Verbose {
			seek := rs.Seek
			seg.Seek = &seek
			seg.Temperature = ptr(rs.Temperature)
			seg.AvgLogprob = ptr(rs.AvgLogprob)
			seg.CompressionRatio = ptr(rs.CompressionRatio)
			seg.NoSpeechProb = ptr(rs.NoSpeechProb)
		}

		if end > res.Duration {
			res.Duration = end
		}
		res.Segments = append(res.Segments, seg)
	}

	if res.Text == "" && len(res.Segments) > 0 {
		parts := make([]string, 0, len(res.Segments))
		for _, s := range res.Segments {
			if s.Text != "" {
				parts = append(parts, s.Text)
			}
		}
		res.Text = strings.Join(parts, " ")
	}

	return res, nil
}

func shapeWords(raw []RawWord, segStart, segEnd float64) []Word {
	if len(raw) == 0 {
		return nil
	}

	words := make([]Word, 0, len(raw))
	for _, rw := range raw {
		start := clamp(seconds(rw.Start), segStart, segEnd)
		end := clamp(seconds(rw.End), start, segEnd)
		words = append(words, Word{
			Text:       strings.TrimSpace(rw.Text),
			Start:      start,
			End:        end,
			Confidence: unit(rw.Confidence),
		})
	}
	sort.SliceStable(words, func(i, j int) bool {
		return words[i].Start < words[j].Start
	})
	return words
}

// seconds maps NaN and negative timestamps to zero
func seconds(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func ptr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
