package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/types"
)

// handleCertsSecure is GET /builds/{buildID}/certs-secure, VM only.
func (s *Server) handleCertsSecure(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	vmBuild := buildByVMToken(r)
	if vmBuild == nil || vmBuild.ID != buildID {
		writeError(w, apierr.Unauthorized("vm token missing or not bound to build %s", buildID))
		return
	}

	bundle, err := s.lifecycle.CertsSecure(buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleVMAuthenticate is POST /vm/authenticate, open to any caller
// presenting a valid build OTP.
func (s *Server) handleVMAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req vmAuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OTP == "" {
		writeError(w, apierr.Unauthorized("otp is required"))
		return
	}

	_, vmToken, expiresAt, err := s.lifecycle.ExchangeOTP(req.OTP)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, vmAuthenticateResponse{VMToken: vmToken, ExpiresAt: expiresAt})
}

// handleHeartbeat is POST /builds/{buildID}/heartbeat?worker_id=...,
// reachable by the owning worker's token (which must belong to
// worker_id) or the build's VM token.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	workerID := r.URL.Query().Get("worker_id")

	worker := workerByToken(r)
	vmOwns := vmOwnsBuildID(r, buildID)
	if worker == nil && !vmOwns {
		writeError(w, apierr.Unauthorized("worker or vm token required"))
		return
	}
	if !vmOwns && worker.ID != workerID {
		writeError(w, apierr.Forbidden("worker token is not bound to worker_id %s", workerID))
		return
	}

	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.lifecycle.Heartbeat(buildID, workerID, req.Progress); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok", Timestamp: time.Now()})
}

// handleTelemetry is POST /builds/{buildID}/telemetry, VM only.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	if !vmOwnsBuildID(r, buildID) {
		writeError(w, apierr.Unauthorized("vm token missing or not bound to build %s", buildID))
		return
	}

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("malformed telemetry body"))
		return
	}

	telemetryType := types.TelemetryOther
	switch req.Type {
	case string(types.TelemetryCpuSnapshot):
		telemetryType = types.TelemetryCpuSnapshot
	case string(types.TelemetryMonitorStart):
		telemetryType = types.TelemetryMonitorStart
	case string(types.TelemetryHeartbeat):
		telemetryType = types.TelemetryHeartbeat
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := s.store.AppendTelemetry(&types.TelemetryEvent{
		BuildID:   buildID,
		Type:      telemetryType,
		Timestamp: ts,
		Data:      req.Data,
	}); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	if telemetryType == types.TelemetryCpuSnapshot {
		snapshot := cpuSnapshotFromData(buildID, ts, req.Data)
		snapshot.Clamp()
		_ = s.store.AppendCpuSnapshot(snapshot)
	}

	writeJSON(w, http.StatusOK, telemetryResponse{Status: "ok"})
}

func cpuSnapshotFromData(buildID string, ts time.Time, data map[string]any) *types.CpuSnapshot {
	s := &types.CpuSnapshot{BuildID: buildID, Timestamp: ts}
	if v, ok := data["cpu_percent"].(float64); ok {
		s.CPUPercent = v
	}
	if v, ok := data["memory_mb"].(float64); ok {
		s.MemoryMB = v
	}
	return s
}

// handleStreamLogs is POST /builds/{buildID}/logs, VM only. Accepts
// either a single {level,message} entry or a batch {logs:[...]}.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	buildID := chiBuildID(r)
	if !vmOwnsBuildID(r, buildID) {
		writeError(w, apierr.Unauthorized("vm token missing or not bound to build %s", buildID))
		return
	}

	var req streamLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("malformed request body"))
		return
	}

	var entries []types.BuildLog
	now := time.Now()
	if len(req.Logs) > 0 {
		for _, l := range req.Logs {
			entries = append(entries, types.BuildLog{
				BuildID:   buildID,
				Level:     types.LogLevel(l.Level),
				Message:   l.Message,
				Timestamp: now,
			})
		}
	} else if req.Message != "" {
		entries = append(entries, types.BuildLog{
			BuildID:   buildID,
			Level:     types.LogLevel(req.Level),
			Message:   req.Message,
			Timestamp: now,
		})
	}

	if len(entries) == 0 {
		writeError(w, apierr.BadRequest("no log entries provided"))
		return
	}

	if err := s.store.Update(func(tx storage.Tx) error { return tx.AppendLogsBatch(buildID, entries) }); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, streamLogsResponse{Success: true, Count: len(entries)})
}

func vmOwnsBuildID(r *http.Request, buildID string) bool {
	vmBuild := buildByVMToken(r)
	return vmBuild != nil && vmBuild.ID == buildID
}
