package api

import (
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/types"
)

func buildToStatusResponse(b *types.Build) statusResponse {
	return statusResponse{
		ID:           b.ID,
		Status:       string(b.Status),
		Platform:     string(b.Platform),
		WorkerID:     b.WorkerID,
		SubmittedAt:  b.SubmittedAt,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		ErrorMessage: b.ErrorMessage,
	}
}

// handleSubmit is POST /builds. Multipart form fields: platform
// (required), source (required file), certs (optional file). Parsed
// via ParseMultipartForm so source/certs can be read in either order;
// the actual size limit is enforced as a running counter inside
// Lifecycle.Submit's blob writes, not by this in-memory threshold.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxMultipartBytes); err != nil {
		writeError(w, apierr.BadRequest("malformed multipart form: %v", err))
		return
	}

	platform := types.Platform(r.FormValue("platform"))
	if platform != types.PlatformIOS && platform != types.PlatformAndroid {
		writeError(w, apierr.BadRequest("platform must be ios or android"))
		return
	}

	sourceFile, sourceHeader, err := r.FormFile("source")
	if err != nil {
		writeError(w, apierr.BadRequest("source file is required"))
		return
	}
	defer sourceFile.Close()

	var certsReader multipart.File
	if certsFile, _, cerr := r.FormFile("certs"); cerr == nil {
		certsReader = certsFile
		defer certsFile.Close()
	}

	build, err := s.lifecycle.Submit(platform, filepath.Ext(sourceHeader.Filename), sourceFile, certsReader)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		ID:          build.ID,
		Status:      string(build.Status),
		SubmittedAt: build.SubmittedAt,
		AccessToken: build.BuildToken,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, buildID string) {
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	writeJSON(w, http.StatusOK, buildToStatusResponse(build))
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request, buildID string) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	logs, err := s.store.ListLogs(buildID, limit)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}

	out := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, logEntry{Timestamp: l.Timestamp, Level: string(l.Level), Message: l.Message})
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: out})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request, buildID string) {
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	if build.ResultPath == "" {
		writeError(w, apierr.NotFound("artifact for build %s is not yet available", buildID))
		return
	}
	streamBlob(w, s, build.ResultPath, filepath.Base(build.ResultPath))
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	filter := storage.BuildFilter{
		Status:   types.BuildStatus(r.URL.Query().Get("status")),
		Platform: types.Platform(r.URL.Query().Get("platform")),
		WorkerID: r.URL.Query().Get("worker_id"),
	}

	builds, err := s.store.ListBuilds(filter)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	out := make([]statusResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, buildToStatusResponse(b))
	}
	writeJSON(w, http.StatusOK, listBuildsResponse{Builds: out, Total: len(out)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, buildID string) {
	if err := s.lifecycle.Cancel(buildID); err != nil {
		writeError(w, err)
		return
	}
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Status: string(build.Status)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, buildID string) {
	child, err := s.lifecycle.Retry(buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, retryResponse{
		ID:              child.ID,
		Status:          string(child.Status),
		AccessToken:     child.BuildToken,
		OriginalBuildID: buildID,
	})
}

func notFoundOr500(err error) error {
	if err == storage.ErrNotFound {
		return apierr.NotFound("not found")
	}
	return apierr.Internal(err)
}

// chiBuildID reads the buildID URL param for routes that don't go
// through requireBuildAccess (worker/VM-scoped routes authorize
// differently).
func chiBuildID(r *http.Request) string {
	return chi.URLParam(r, "buildID")
}
