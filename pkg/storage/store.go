// Package storage is the Metadata Store: the durable, transactional home
// for Build, Worker, BuildLog, CpuSnapshot, TelemetryEvent records and the
// retries relation. It is the only component that owns durability; the
// blob store (pkg/blobstore) owns byte payloads.
package storage

import (
	"errors"
	"time"

	"github.com/foundryci/buildctl/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds no record.
var ErrNotFound = errors.New("storage: not found")

// BuildFilter narrows ListBuilds. Zero values mean "no filter" on that field.
type BuildFilter struct {
	Status   types.BuildStatus
	Platform types.Platform
	WorkerID string
}

// Tx is the set of operations available inside one Metadata Store
// transaction. The dispatcher's claim algorithm (spec §4.4) and the
// lifecycle engine's transactional transitions (§4.5) are built by
// composing these calls inside a single Store.Update.
type Tx interface {
	// SelectOldestPendingForUpdate returns the pending build with the
	// smallest (submitted_at, id), or ok=false if none. Because it only
	// ever runs inside a Store.Update call, and bbolt serializes all
	// writers, the returned row is invisible to any other concurrent
	// Update transaction until this one commits — the same effect as
	// SELECT ... FOR UPDATE SKIP LOCKED.
	SelectOldestPendingForUpdate() (build *types.Build, ok bool, err error)

	// FindBuildByOTP returns the build whose OTP matches otp, whether or
	// not it has been consumed (callers check OTPUsed), or ok=false if
	// none matches. Run it inside a Store.Update so
	// checking and marking OTPUsed happen atomically (serializing a VM
	// authenticate race the same way the claim algorithm serializes a
	// worker poll race).
	FindBuildByOTP(otp string) (build *types.Build, ok bool, err error)

	GetBuild(id string) (*types.Build, error)
	PutBuild(b *types.Build) error

	GetWorker(id string) (*types.Worker, error)
	PutWorker(w *types.Worker) error

	AppendLog(buildID string, level types.LogLevel, message string) error
	AppendLogsBatch(buildID string, entries []types.BuildLog) error

	CreateRetryLink(link types.RetryLink) error
	GetRetryParent(childID string) (parentID string, ok bool, err error)
}

// Store is the Metadata Store's external contract.
type Store interface {
	// Update runs fn inside one read-write transaction. All mutation
	// goes through Update so that every external status change commits
	// before any side effect observable to the caller.
	Update(fn func(Tx) error) error
	// View runs fn inside one read-only transaction.
	View(fn func(Tx) error) error

	GetBuild(id string) (*types.Build, error)
	// FindBuildByToken returns the build whose BuildToken matches token.
	FindBuildByToken(token string) (*types.Build, error)
	// FindBuildByVMToken returns the build whose VMToken matches token.
	FindBuildByVMToken(token string) (*types.Build, error)
	// FindWorkerByToken returns the worker whose WorkerToken matches token.
	FindWorkerByToken(token string) (*types.Worker, error)
	ListBuilds(filter BuildFilter) ([]*types.Build, error)
	// ListStuckBuilds returns assigned/building builds that the
	// liveness watchdog should fail: either last_heartbeat_at is before
	// heartbeatCutoff, or last_heartbeat_at is zero and started_at is
	// before startedCutoff.
	ListStuckBuilds(heartbeatCutoff, startedCutoff time.Time) ([]*types.Build, error)
	RecordHeartbeat(buildID string, now time.Time) error

	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)

	ListLogs(buildID string, limit int) ([]types.BuildLog, error)

	AppendCpuSnapshot(s *types.CpuSnapshot) error
	AppendTelemetry(ev *types.TelemetryEvent) error

	Close() error
}
