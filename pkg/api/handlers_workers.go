package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/token"
	"github.com/foundryci/buildctl/pkg/types"
)

// handleRegisterWorker is POST /workers. Re-registration with a known
// id keeps the worker's counters and first-seen time; it refreshes
// name, capabilities, token and last-seen, and sets status to idle.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("malformed request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apierr.BadRequest("name is required"))
		return
	}

	caps := make([]types.Platform, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		p := types.Platform(c)
		if p != types.PlatformIOS && p != types.PlatformAndroid {
			writeError(w, apierr.BadRequest("unknown capability %q", c))
			return
		}
		caps = append(caps, p)
	}

	newToken, err := token.Generate()
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	now := time.Now()
	status := "registered"

	var worker *types.Worker
	if req.ID != "" {
		if existing, gerr := s.store.GetWorker(req.ID); gerr == nil {
			existing.Name = req.Name
			existing.Capabilities = caps
			existing.WorkerToken = newToken
			existing.LastSeenAt = now
			existing.Status = types.WorkerStatusIdle
			worker = existing
			status = "re-registered"
		}
	}
	if worker == nil {
		worker = &types.Worker{
			ID:           uuid.New().String(),
			Name:         req.Name,
			PublicID:     "w-" + uuid.New().String()[:8],
			Capabilities: caps,
			Status:       types.WorkerStatusIdle,
			WorkerToken:  newToken,
			FirstSeenAt:  now,
			LastSeenAt:   now,
		}
	}

	if err := s.store.Update(func(tx storage.Tx) error { return tx.PutWorker(worker) }); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	writeJSON(w, http.StatusCreated, registerWorkerResponse{
		ID:          worker.ID,
		Status:      status,
		AccessToken: worker.WorkerToken,
	})
}

// handlePoll is GET /workers/poll?worker_id=.... Requires a worker
// token bound to exactly the polling worker_id (§8 token isolation).
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, apierr.BadRequest("worker_id is required"))
		return
	}

	worker := workerByToken(r)
	if worker == nil || worker.ID != workerID {
		writeError(w, apierr.Unauthorized("worker token missing or not bound to worker_id"))
		return
	}

	job, ok, err := s.dispatcher.Claim(workerID)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, pollResponse{Job: nil})
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{
		Job: &jobDescriptorResponse{
			ID:           job.BuildID,
			Platform:     string(job.Platform),
			SourceURL:    job.SourceURL,
			CertsURL:     job.CertsURL,
			OTP:          job.OTP,
			OTPExpiresAt: job.OTPExpiresAt,
		},
		AccessToken: job.RotatedToken,
	})
}

// handleResultUpload is POST /workers/result: multipart "result" file,
// fields build_id, worker_id, success, error_message. The worker
// token must match worker_id and worker_id must own the build.
func (s *Server) handleResultUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxMultipartBytes); err != nil {
		writeError(w, apierr.BadRequest("malformed multipart form: %v", err))
		return
	}

	buildID := r.FormValue("build_id")
	workerID := r.FormValue("worker_id")
	success := r.FormValue("success") == "true"
	errMsg := r.FormValue("error_message")

	worker := workerByToken(r)
	if worker == nil || worker.ID != workerID {
		writeError(w, apierr.Unauthorized("worker token missing or not bound to worker_id"))
		return
	}

	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	if build.WorkerID != workerID {
		writeError(w, apierr.Forbidden("worker %s does not own build %s", workerID, buildID))
		return
	}

	if !success {
		if err := s.lifecycle.Fail(buildID, errMsg); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resultUploadResponse{Success: true})
		return
	}

	resultFile, _, err := r.FormFile("result")
	if err != nil {
		writeError(w, apierr.BadRequest("result file is required"))
		return
	}
	defer resultFile.Close()

	if err := s.lifecycle.Complete(buildID, resultFile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultUploadResponse{Success: true})
}

// handleDownloadSource is GET /builds/{buildID}/source, authorized
// for the owning worker or the build's ephemeral VM.
func (s *Server) handleDownloadSource(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	if !workerOwnsBuild(r, build) && !vmOwnsBuild(r, build) {
		writeError(w, apierr.Forbidden("not authorized to download source for build %s", buildID))
		return
	}
	streamBlob(w, s, build.SourcePath, buildID+filepath.Ext(build.SourcePath))
}

// handleDownloadCerts is GET /builds/{buildID}/certs, worker only.
func (s *Server) handleDownloadCerts(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, notFoundOr500(err))
		return
	}
	if !workerOwnsBuild(r, build) {
		writeError(w, apierr.Forbidden("not authorized to download certs for build %s", buildID))
		return
	}
	if build.CertsPath == "" {
		writeError(w, apierr.NotFound("build %s has no certs", buildID))
		return
	}
	streamBlob(w, s, build.CertsPath, buildID+".zip")
}

func workerOwnsBuild(r *http.Request, build *types.Build) bool {
	worker := workerByToken(r)
	return worker != nil && build.WorkerID == worker.ID
}

func vmOwnsBuild(r *http.Request, build *types.Build) bool {
	vmBuild := buildByVMToken(r)
	return vmBuild != nil && vmBuild.ID == build.ID
}
