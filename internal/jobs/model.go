package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/mediajobs/internal/subtitle"
)

// Kind selects which worker handles a job.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindExport        Kind = "export"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindTranscription || k == KindExport
}

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrUnchanged may be returned from an Update func to skip the write.
	// Update passes it back to the caller together with the current job.
	ErrUnchanged = errors.New("job unchanged")
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusPending, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Style describes how export captions are rendered, as chosen in the UI.
type Style struct {
	FontSizePt       float64 `json:"fontSizePt"`
	PrimaryColor     string  `json:"primaryColor"`
	VerticalPosition float64 `json:"verticalPosition"` // fraction of frame height from the top
}

// Validate checks the style invariants.
func (s Style) Validate() error {
	if s.VerticalPosition < 0 || s.VerticalPosition > 1 {
		return fmt.Errorf("verticalPosition %v outside [0,1]", s.VerticalPosition)
	}
	if s.FontSizePt <= 0 {
		return fmt.Errorf("fontSizePt must be positive")
	}
	return nil
}

// DefaultStyle is applied when an export request carries no style.
var DefaultStyle = Style{FontSizePt: 20, PrimaryColor: "#FFFFFF", VerticalPosition: 0.8}

// Result is set only on completed jobs. Transcriptions fill Text, Language and
// Segments; exports fill the download fields.
type Result struct {
	Text        string             `json:"text,omitempty"`
	Language    string             `json:"language,omitempty"`
	Segments    []subtitle.Segment `json:"segments,omitempty"`
	DownloadURL string             `json:"downloadUrl,omitempty"`
	ObjectKey   string             `json:"objectKey,omitempty"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
}

// Job is one transcription or export request and its authoritative state.
type Job struct {
	ID          string
	Kind        Kind
	VideoID     string
	Language    string
	Style       *Style        // export only
	DownloadTTL time.Duration // export only
	Status      Status
	Progress    int // 0..100
	Attempt     int // attempt currently or last processing
	ErrorKind   string
	Error       string
	Result      *Result
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Transition moves the job to status `to`, applying the bookkeeping each edge implies.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	switch to {
	case StatusProcessing:
		j.Attempt++
		j.Progress = 0
		if j.StartedAt == nil {
			st := now
			j.StartedAt = &st
		}
	case StatusPending:
		j.Progress = 0
	case StatusCompleted:
		j.Progress = 100
		j.ErrorKind = ""
		j.Error = ""
		ct := now
		j.CompletedAt = &ct
	case StatusFailed:
		j.Result = nil
		ct := now
		j.CompletedAt = &ct
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// ReportProgress records progress for the running attempt. Values are clamped
// to [0,100]; a value not above the current one returns ErrUnchanged.
func (j *Job) ReportProgress(pct int, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, j.Status)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= j.Progress {
		return ErrUnchanged
	}
	j.Progress = pct
	j.UpdatedAt = now
	return nil
}

// Complete transitions to completed with the given result.
func (j *Job) Complete(res Result, now time.Time) error {
	if err := j.Transition(StatusCompleted, now); err != nil {
		return err
	}
	j.Result = &res
	return nil
}

// Fail transitions to failed, recording the error kind and message verbatim.
func (j *Job) Fail(kind, msg string, now time.Time) error {
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	j.ErrorKind = kind
	j.Error = msg
	return nil
}

// ListFilter narrows ListJobs results.
type ListFilter struct {
	Status Status
	Limit  int
}
