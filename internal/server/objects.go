package server

import (
	"errors"
	"net/http"
	"path"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/storage"
)

// handleGetObject serves a stored object to holders of a valid signed URL.
func (svc *Service) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := svc.Objects.Verify(key, r.URL.Query().Get("token")); err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			writeError(w, http.StatusGone, "download link expired")
		case errors.Is(err, storage.ErrInvalidKey):
			writeError(w, http.StatusBadRequest, "invalid key")
		default:
			writeError(w, http.StatusForbidden, "invalid download token")
		}
		return
	}
	f, info, err := svc.Objects.Open(key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		svc.Log.Error("open object", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()
	if path.Ext(key) == ".mp4" {
		w.Header().Set("Content-Type", common.ContentTypeMP4)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
}
