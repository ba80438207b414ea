package server

import (
	"errors"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
	"github.com/jo-hoe/mediajobs/internal/util"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type createVideoRequest struct {
	ID        string `json:"id,omitempty"`
	SourceURL string `json:"sourceUrl"`
	Language  string `json:"language"`
}

type videoResponse struct {
	ID           string `json:"id"`
	SourceURL    string `json:"sourceUrl"`
	Language     string `json:"language"`
	HasCaptions  bool   `json:"hasCaptions"`
	Transcript   string `json:"transcript,omitempty"`
	TrackURLBase string `json:"trackUrlBase"`
}

func (svc *Service) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := media.ValidateSourceURL(req.SourceURL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sourceUrl: "+err.Error())
		return
	}
	lang, err := videos.NormalizeLanguage(req.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid language: "+err.Error())
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = util.NewID()
	} else if !videoIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "id may contain only letters, digits, '-' and '_'")
		return
	}
	if _, err := svc.Videos.GetVideo(r.Context(), id); err == nil {
		writeError(w, http.StatusConflict, "video already exists")
		return
	}
	v := &videos.Video{ID: id, SourceURL: req.SourceURL, Language: lang}
	if err := svc.Videos.CreateVideo(r.Context(), v); err != nil {
		svc.Log.Error("create video", "video_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc.Log.Info("video registered", "video_id", id, "language", lang)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (svc *Service) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	v, ok := svc.loadVideo(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, videoResponse{
		ID:           v.ID,
		SourceURL:    v.SourceURL,
		Language:     v.Language,
		HasCaptions:  v.HasBaseCaptions(),
		Transcript:   v.Transcript,
		TrackURLBase: path.Join(common.PathVideos, v.ID, "tracks"),
	})
}

// handlePutTrack stores a translated caption track sent as SRT.
func (svc *Service) handlePutTrack(w http.ResponseWriter, r *http.Request) {
	lang, err := videos.NormalizeLanguage(r.PathValue("lang"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid language: "+err.Error())
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	segs, err := subtitle.Decode(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(segs) == 0 {
		writeError(w, http.StatusBadRequest, "track has no cues")
		return
	}
	if issues := subtitle.Validate(segs); len(issues) > 0 {
		svc.Log.Warn("caption track has issues", "video_id", r.PathValue("id"), "language", lang, "issues", issues)
	}
	err = svc.Videos.PutTrack(r.Context(), videos.Track{VideoID: r.PathValue("id"), Language: lang, Segments: segs})
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		svc.Log.Error("store track", "video_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetTrack returns the captions an export in that language would use.
func (svc *Service) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	segs, err := videos.Captions(r.Context(), svc.Videos, r.PathValue("id"), r.PathValue("lang"))
	switch {
	case errors.Is(err, videos.ErrNotFound):
		writeError(w, http.StatusNotFound, "video not found")
		return
	case errors.Is(err, videos.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, "track not found")
		return
	case err != nil:
		svc.Log.Error("load track", "video_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", common.ContentTypeSRT)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(subtitle.Encode(segs)))
}

func (svc *Service) loadVideo(w http.ResponseWriter, r *http.Request) (*videos.Video, bool) {
	v, err := svc.Videos.GetVideo(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return nil, false
		}
		svc.Log.Error("load video", "video_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return v, true
}
