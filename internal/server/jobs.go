package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/export"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/processor"
	"github.com/jo-hoe/mediajobs/internal/util"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

type createJobRequest struct {
	VideoID     string      `json:"videoId"`
	Kind        jobs.Kind   `json:"kind"`
	Language    string      `json:"language"`
	Style       *jobs.Style `json:"style,omitempty"`
	DownloadTTL string      `json:"downloadTtl,omitempty"` // Go duration, e.g. "48h"
}

type createJobResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
	EventsURL string `json:"eventsUrl"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, status, msg := svc.buildJob(r, req)
	if job == nil {
		writeError(w, status, msg)
		return
	}
	if err := processor.Submit(r.Context(), svc.Jobs, svc.Queue, job); err != nil {
		svc.Log.Error("submit job", "job_id", job.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not queue job, try later")
		return
	}
	svc.Log.Info("job created", "job_id", job.ID, "kind", job.Kind, "video_id", job.VideoID, "language", job.Language)

	statusURL := path.Join(common.PathJobs, job.ID)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		StatusURL: statusURL,
		EventsURL: statusURL + "/events",
	})
}

// buildJob validates a create request. A nil job comes with the HTTP status
// and message to report.
func (svc *Service) buildJob(r *http.Request, req createJobRequest) (*jobs.Job, int, string) {
	if !req.Kind.Valid() {
		return nil, http.StatusBadRequest, "kind must be transcription or export"
	}
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		return nil, http.StatusBadRequest, "videoId is required"
	}
	lang, err := videos.NormalizeLanguage(req.Language)
	if err != nil {
		return nil, http.StatusBadRequest, "invalid language: " + err.Error()
	}
	if _, err := svc.Videos.GetVideo(r.Context(), videoID); err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			return nil, http.StatusNotFound, "video not found"
		}
		svc.Log.Error("load video", "video_id", videoID, "err", err)
		return nil, http.StatusInternalServerError, "internal error"
	}

	job := &jobs.Job{Kind: req.Kind, VideoID: videoID, Language: lang}
	if req.Kind != jobs.KindExport {
		if req.Style != nil || req.DownloadTTL != "" {
			return nil, http.StatusBadRequest, "style and downloadTtl apply to export jobs only"
		}
		return job, 0, ""
	}
	if req.Style != nil {
		if _, err := export.MapStyle(*req.Style, 0); err != nil {
			return nil, http.StatusBadRequest, "invalid style: " + err.Error()
		}
		job.Style = req.Style
	}
	job.DownloadTTL = svc.Cfg.Export.DefaultTTL
	if req.DownloadTTL != "" {
		ttl, err := time.ParseDuration(req.DownloadTTL)
		if err != nil || ttl <= 0 {
			return nil, http.StatusBadRequest, "downloadTtl must be a positive duration"
		}
		if maxTTL := svc.Cfg.Export.MaxTTL; maxTTL > 0 && ttl > maxTTL {
			return nil, http.StatusBadRequest, "downloadTtl exceeds " + maxTTL.String()
		}
		job.DownloadTTL = ttl
	}
	return job, 0, ""
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (svc *Service) loadJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("id")
	if !util.ValidID(id) {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	job, err := svc.Jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return nil, false
		}
		svc.Log.Error("load job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := jobs.ListFilter{Status: jobs.Status(r.URL.Query().Get("status"))}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	list, err := svc.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		svc.Log.Error("list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]jobs.View, 0, len(list))
	for _, j := range list {
		out = append(out, j.View())
	}
	writeJSON(w, http.StatusOK, out)
}
