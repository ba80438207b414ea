// Package engine defines the speech-to-text collaborator used by transcription jobs.
package engine

import (
	"context"
	"io"
)

// Word is a single recognized word with its timing in seconds.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// Segment is a recognized phrase. Words is empty when the engine reports
// word timings only at the top level.
type Segment struct {
	Text  string
	Start float64
	End   float64
	Words []Word
}

// Result is the engine's transcription of one media file.
type Result struct {
	Text     string
	Language string
	Segments []Segment
	Words    []Word
}

// Request carries per-call options.
type Request struct {
	// Filename is reported to the engine; some engines infer the container from it.
	Filename string
	// Language is an optional hint (BCP-47).
	Language string
}

// Client transcribes media, requesting segment and word level timestamps.
type Client interface {
	Transcribe(ctx context.Context, r io.Reader, req Request) (*Result, error)
}
