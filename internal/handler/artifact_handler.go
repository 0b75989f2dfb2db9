package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"artifactvault/internal/domain"
	"artifactvault/internal/service"
)

const (
	// HeaderChecksum carries the hex blake3 digest of artifact data, on upload
	// as the expected value and on download as the stored one.
	HeaderChecksum = "X-Artifact-Checksum"

	copyBufferSize = 32 * 1024
)

type ArtifactHandler struct {
	transferService *service.TransferService
}

func NewArtifactHandler(transferService *service.TransferService) *ArtifactHandler {
	return &ArtifactHandler{
		transferService: transferService,
	}
}

type visibilityRequest struct {
	Visibility domain.Visibility `json:"visibility"`
}

type progressResponse struct {
	*domain.Progress
	Percentage float64 `json:"percentage"`
}

func artifactID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid artifact id", domain.ErrValidation)
	}
	return id, nil
}

// target resolves the caller and artifact id every artifact route needs.
func target(r *http.Request) (domain.Caller, uuid.UUID, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return domain.Caller{}, uuid.Nil, err
	}
	id, err := artifactID(r)
	if err != nil {
		return domain.Caller{}, uuid.Nil, err
	}
	return caller, id, nil
}

func (h *ArtifactHandler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req domain.NewArtifact
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}
	a, err := h.transferService.CreateArtifact(r.Context(), caller, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *ArtifactHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.transferService.GetArtifact(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ArtifactHandler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.transferService.Delete(r.Context(), caller, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ArtifactHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}
	a, err := h.transferService.SetVisibility(r.Context(), caller, id, req.Visibility)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UploadData streams the request body into the store. The size comes from
// Content-Length, -1 for chunked bodies.
func (h *ArtifactHandler) UploadData(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer r.Body.Close()

	a, err := h.transferService.Upload(r.Context(), caller, service.UploadRequest{
		ArtifactID: id,
		Body:       r.Body,
		Size:       r.ContentLength,
		Checksum:   r.Header.Get(HeaderChecksum),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DownloadData serves artifact bytes, honouring a single Range. Headers are
// written only once the range has been resolved and the store opened.
func (h *ArtifactHandler) DownloadData(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.transferService.Download(r.Context(), caller, id, r.Header.Get("Range"))
	if err != nil {
		if statusFor(err) == http.StatusRequestedRangeNotSatisfiable {
			if a, getErr := h.transferService.GetArtifact(r.Context(), caller, id); getErr == nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", a.Size()))
			}
		}
		writeError(w, r, err)
		return
	}
	defer d.Body.Close()

	header := w.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(d.Resolved.Length, 10))
	if d.Artifact.Checksum != nil {
		header.Set(HeaderChecksum, *d.Artifact.Checksum)
	}
	if d.Resolved.Partial {
		header.Set("Content-Range", d.Resolved.ContentRange(d.Size))
	}
	w.WriteHeader(d.Resolved.StatusCode())

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(w, d.Body, buf); err != nil {
		log.WithError(err).WithField("artifact_id", id).Warn("download interrupted")
	}
}

func (h *ArtifactHandler) StageData(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer r.Body.Close()

	a, err := h.transferService.Stage(r.Context(), caller, id, r.Body, r.ContentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ArtifactHandler) ImportStaged(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.transferService.ImportStaged(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ArtifactHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.transferService.Deactivate(r.Context(), caller, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ArtifactHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.transferService.Reactivate(r.Context(), caller, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ArtifactHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	caller, id, err := target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.transferService.Progress(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{Progress: p, Percentage: p.Percentage()})
}
