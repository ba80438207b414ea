package videos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/mediajobs/internal/database"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
)

// SQLiteStore keeps videos and tracks in the shared SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *Video) error {
	if v == nil || v.ID == "" {
		return errors.New("video id is required")
	}
	if v.SourceURL == "" {
		return errors.New("video sourceUrl is required")
	}
	lang, err := NormalizeLanguage(v.Language)
	if err != nil {
		return err
	}
	v.Language = lang
	segs, err := marshalSegments(v.Segments)
	if err != nil {
		return err
	}
	now := database.FormatTime(time.Now())
	return database.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO videos (id, source_url, language, transcript, segments_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, v.ID, v.SourceURL, v.Language, v.Transcript, segs, now, now)
		if err != nil {
			return fmt.Errorf("insert video: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	var v Video
	var transcript, segs sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, source_url, language, transcript, segments_json FROM videos WHERE id = ?`, id).
		Scan(&v.ID, &v.SourceURL, &v.Language, &transcript, &segs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan video: %w", err)
	}
	v.Transcript = transcript.String
	if v.Segments, err = unmarshalSegments(segs); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetBaseCaptions stores a finished transcription as the video's base track.
func (s *SQLiteStore) SetBaseCaptions(ctx context.Context, id, lang, transcript string, segs []subtitle.Segment) error {
	lang, err := NormalizeLanguage(lang)
	if err != nil {
		return err
	}
	encoded, err := marshalSegments(segs)
	if err != nil {
		return err
	}
	return database.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE videos SET language = ?, transcript = ?, segments_json = ?, updated_at = ? WHERE id = ?`,
			lang, transcript, encoded, database.FormatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("update video captions: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) PutTrack(ctx context.Context, t Track) error {
	if len(t.Segments) == 0 {
		return errors.New("track has no segments")
	}
	lang, err := NormalizeLanguage(t.Language)
	if err != nil {
		return err
	}
	encoded, err := marshalSegments(t.Segments)
	if err != nil {
		return err
	}
	if _, err := s.GetVideo(ctx, t.VideoID); err != nil {
		return err
	}
	return database.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO tracks (video_id, language, segments_json, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(video_id, language) DO UPDATE SET segments_json = excluded.segments_json, updated_at = excluded.updated_at`,
			t.VideoID, lang, encoded, database.FormatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("upsert track: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetTrack(ctx context.Context, videoID, lang string) (*Track, error) {
	norm, err := NormalizeLanguage(lang)
	if err != nil {
		return nil, ErrTrackNotFound
	}
	var segs sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT segments_json FROM tracks WHERE video_id = ? AND language = ?`, videoID, norm).Scan(&segs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("scan track: %w", err)
	}
	decoded, err := unmarshalSegments(segs)
	if err != nil {
		return nil, err
	}
	return &Track{VideoID: videoID, Language: norm, Segments: decoded}, nil
}

func marshalSegments(segs []subtitle.Segment) (sql.NullString, error) {
	if len(segs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal segments: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalSegments(s sql.NullString) ([]subtitle.Segment, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var segs []subtitle.Segment
	if err := json.Unmarshal([]byte(s.String), &segs); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return segs, nil
}
