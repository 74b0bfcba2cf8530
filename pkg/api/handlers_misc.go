package api

import (
	"net/http"
	"time"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/types"
)

// handlePublicStats is GET /stats, the read-only feed for the public
// dashboard collaborator (§1). It scans the Metadata Store directly
// rather than through Lifecycle/Dispatcher because it reports
// read-only aggregate counts, not a business-logic operation.
func (s *Server) handlePublicStats(w http.ResponseWriter, r *http.Request) {
	builds, err := s.store.ListBuilds(storage.BuildFilter{})
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	nodesOnline := 0
	for _, wk := range workers {
		if wk.Status != types.WorkerStatusOffline {
			nodesOnline++
		}
	}

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	buildsToday := 0
	for _, b := range builds {
		if b.SubmittedAt.After(startOfDay) {
			buildsToday++
		}
	}

	writeJSON(w, http.StatusOK, publicStatsResponse{
		NodesOnline:  nodesOnline,
		BuildsQueued: s.dispatcher.PendingCount(),
		ActiveBuilds: s.dispatcher.ActiveCount(),
		BuildsToday:  buildsToday,
		TotalBuilds:  len(builds),
	})
}

// handleHealth is GET /health, a liveness probe reporting the
// dispatcher's current queue-depth hint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Queue: queueStats{
			Pending: s.dispatcher.PendingCount(),
			Active:  s.dispatcher.ActiveCount(),
		},
	})
}
