package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"mediajob/internal/domain"
	"mediajob/internal/engine"
	"mediajob/internal/resolver"
)

const multipartMemory = 32 << 20

// uploadHandler accepts the submission form as multipart data so that
// files can be staged alongside the other fields.
func uploadHandler(e engine.Engine, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, authErr := actorIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		limit := int64(e.Config.Storage.MaxUploadMB) << 20
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit", map[string]any{"limit_bytes": limit}))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart form expected", nil))
			return
		}
		defer r.MultipartForm.RemoveAll()

		var headers []*multipart.FileHeader
		if r.MultipartForm.File != nil {
			headers = r.MultipartForm.File["file"]
		}
		files, closeAll, err := stageFiles(headers)
		defer closeAll()
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		mediaSource := r.FormValue("media_source")
		if mediaSource == "" {
			mediaSource = "file"
		}
		src, err := resolver.FromForm(mediaSource, r.FormValue("web_src"), resolver.Fields{
			URL:     r.FormValue("url"),
			AssetID: r.FormValue("asset_id"),
			Text:    r.FormValue("text"),
			Files:   files,
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		automatic, _ := strconv.ParseBool(r.FormValue("automatic_mode"))
		res, err := e.Submit(r.Context(), engine.SubmitOptions{
			ObjectID:      chi.URLParam(r, "id"),
			ActorID:       actorID,
			Title:         r.FormValue("title"),
			Language:      r.FormValue("language"),
			Source:        src,
			AutomaticMode: automatic,
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusCreated, res, log)
	}
}

func stageFiles(headers []*multipart.FileHeader) ([]resolver.StagedFile, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	files := make([]resolver.StagedFile, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, closeAll, &domain.ValidationError{Code: domain.CodeMissingFile, Field: "file", Detail: h.Filename, Err: err}
		}
		opened = append(opened, f)
		files = append(files, resolver.StagedFile{Name: h.Filename, Reader: f})
	}
	return files, closeAll, nil
}

// assetHandler streams an asset to a holder of a valid signed token.
func assetHandler(e engine.Engine, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assetID := chi.URLParam(r, "asset_id")
		a, rc, err := e.OpenSignedAsset(r.Context(), assetID, r.URL.Query().Get("token"))
		if err != nil {
			log.WithError(err).WithField("asset", assetID).Debug("asset fetch refused")
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		contentType := a.MIMEType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if a.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
		}
		w.Header().Set("Cache-Control", "no-store")
		if _, err := io.Copy(w, rc); err != nil {
			log.WithError(err).WithField("asset", assetID).Warn("asset stream interrupted")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, log logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write response")
	}
}
