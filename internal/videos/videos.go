// Package videos stores the source videos jobs refer to and their caption tracks.
package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/jo-hoe/mediajobs/internal/subtitle"
)

var (
	ErrNotFound      = errors.New("video not found")
	ErrTrackNotFound = errors.New("caption track not found")
)

// Video is a source video and the captions produced by its transcription.
type Video struct {
	ID         string
	SourceURL  string
	Language   string // language of the base transcription
	Transcript string
	Segments   []subtitle.Segment
}

// HasBaseCaptions reports whether a transcription has stored segments.
func (v *Video) HasBaseCaptions() bool {
	return len(v.Segments) > 0
}

// Track is a translated caption track for a video.
type Track struct {
	VideoID  string
	Language string
	Segments []subtitle.Segment
}

// Store reads and writes videos and translation tracks.
type Store interface {
	CreateVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	SetBaseCaptions(ctx context.Context, id, language, transcript string, segs []subtitle.Segment) error
	PutTrack(ctx context.Context, t Track) error
	GetTrack(ctx context.Context, videoID, language string) (*Track, error)
}

// NormalizeLanguage canonicalizes a BCP-47 tag so "EN-us" and "en-US" name the same track.
func NormalizeLanguage(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", errors.New("language is required")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", code, err)
	}
	return tag.String(), nil
}

// Captions returns the segments an export in lang should burn in: the base
// transcription when lang is the video's language, else a stored translation.
// ErrTrackNotFound means neither exists.
func Captions(ctx context.Context, s Store, videoID, lang string) ([]subtitle.Segment, error) {
	v, err := s.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if sameLanguage(v.Language, lang) && v.HasBaseCaptions() {
		return v.Segments, nil
	}
	t, err := s.GetTrack(ctx, videoID, lang)
	if err != nil {
		return nil, err
	}
	if len(t.Segments) == 0 {
		return nil, ErrTrackNotFound
	}
	return t.Segments, nil
}

func sameLanguage(a, b string) bool {
	na, errA := NormalizeLanguage(a)
	nb, errB := NormalizeLanguage(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return na == nb
}
