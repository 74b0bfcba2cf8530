package dispatcher

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryci/buildctl/pkg/events"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/metrics"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/token"
	"github.com/foundryci/buildctl/pkg/types"
)

// JobDescriptor is what a successful claim hands back to the poller.
type JobDescriptor struct {
	BuildID      string
	Platform     types.Platform
	SourceURL    string
	CertsURL     string
	OTP          string
	OTPExpiresAt time.Time
	RotatedToken string
}

// Dispatcher hands out pending builds to polling workers at most once.
type Dispatcher struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	otpTTL time.Duration

	pending atomic.Int64
	active  atomic.Int64
}

// New creates a Dispatcher. otpTTL bounds the OTP the claim mints.
func New(store storage.Store, broker *events.Broker, otpTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: broker,
		logger: log.WithComponent("dispatcher"),
		otpTTL: otpTTL,
	}
}

// RebuildFromStorage recomputes the pending/active gauges from the
// Metadata Store. The in-memory queue is a cache, not a source of
// truth, so this is the only step required to resume after a restart.
func (d *Dispatcher) RebuildFromStorage() error {
	pending, err := d.store.ListBuilds(storage.BuildFilter{Status: types.BuildStatusPending})
	if err != nil {
		return fmt.Errorf("dispatcher: rebuild pending: %w", err)
	}
	assigned, err := d.store.ListBuilds(storage.BuildFilter{Status: types.BuildStatusAssigned})
	if err != nil {
		return fmt.Errorf("dispatcher: rebuild assigned: %w", err)
	}
	building, err := d.store.ListBuilds(storage.BuildFilter{Status: types.BuildStatusBuilding})
	if err != nil {
		return fmt.Errorf("dispatcher: rebuild building: %w", err)
	}

	d.pending.Store(int64(len(pending)))
	d.active.Store(int64(len(assigned) + len(building)))
	d.refreshGauges()
	return nil
}

// Enqueue records that a newly submitted build is available to claim.
// Called by the Lifecycle Engine after the submit transaction commits.
func (d *Dispatcher) Enqueue(buildID string) {
	d.pending.Add(1)
	d.refreshGauges()
	metrics.BuildsEnqueuedTotal.Inc()
	if d.broker != nil {
		d.broker.Publish(&events.Event{Type: events.EventBuildEnqueued, BuildID: buildID})
	}
}

// Claim assigns the oldest pending build to workerID, or returns
// ok=false if the worker is unknown, already owns a build, or none is
// pending.
// Runs the full claim algorithm (spec §4.4) inside one Metadata Store
// transaction so two simultaneous pollers never see the same build.
func (d *Dispatcher) Claim(workerID string) (*JobDescriptor, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchClaimDuration)

	var job *JobDescriptor
	var claimedBuildID string

	err := d.store.Update(func(tx storage.Tx) error {
		worker, err := tx.GetWorker(workerID)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if worker.Status == types.WorkerStatusBuilding {
			return nil
		}

		build, ok, err := tx.SelectOldestPendingForUpdate()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		now := time.Now()
		otp, err := token.GenerateOTP()
		if err != nil {
			return fmt.Errorf("dispatcher: generate otp: %w", err)
		}
		rotated, err := token.Generate()
		if err != nil {
			return fmt.Errorf("dispatcher: rotate worker token: %w", err)
		}

		build.Status = types.BuildStatusAssigned
		build.WorkerID = workerID
		build.StartedAt = now
		build.OTP = otp
		build.OTPUsed = false
		build.OTPExpiry = now.Add(d.otpTTL)

		worker.Status = types.WorkerStatusBuilding
		worker.WorkerToken = rotated
		worker.LastSeenAt = now

		if err := tx.PutBuild(build); err != nil {
			return err
		}
		if err := tx.PutWorker(worker); err != nil {
			return err
		}
		if err := tx.AppendLog(build.ID, types.LogLevelInfo, fmt.Sprintf("assigned to worker %s", worker.Name)); err != nil {
			return err
		}

		claimedBuildID = build.ID
		job = &JobDescriptor{
			BuildID:      build.ID,
			Platform:     build.Platform,
			SourceURL:    build.SourcePath,
			CertsURL:     build.CertsPath,
			OTP:          otp,
			OTPExpiresAt: build.OTPExpiry,
			RotatedToken: rotated,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}

	d.pending.Add(-1)
	d.active.Add(1)
	d.refreshGauges()
	metrics.BuildsClaimedTotal.Inc()
	if d.broker != nil {
		d.broker.Publish(&events.Event{Type: events.EventBuildAssigned, BuildID: claimedBuildID, WorkerID: workerID})
	}

	return job, true, nil
}

// Release removes a build from the active/pending count once the
// Lifecycle Engine has moved it to a terminal state. prevStatus is the
// status the build held
// immediately before this release, used to pick the right counter.
func (d *Dispatcher) Release(buildID string, prevStatus types.BuildStatus, reason string) {
	switch prevStatus {
	case types.BuildStatusPending:
		d.pending.Add(-1)
	case types.BuildStatusAssigned, types.BuildStatusBuilding:
		d.active.Add(-1)
	}
	d.refreshGauges()
	d.logger.Debug().Str("build_id", buildID).Str("reason", reason).Msg("build released from dispatcher")
}

// Reenqueue moves a build from the active count back onto the pending
// count without touching Metadata Store rows; it only adjusts the
// in-memory hint. The watchdog fails stuck builds rather than
// requeueing them, so no reclaim path in this module calls it.
func (d *Dispatcher) Reenqueue(buildID string) {
	d.active.Add(-1)
	d.pending.Add(1)
	d.refreshGauges()
}

// PendingCount returns the current pending-queue depth hint.
func (d *Dispatcher) PendingCount() int {
	return int(d.pending.Load())
}

// ActiveCount returns the current assigned+building count hint.
func (d *Dispatcher) ActiveCount() int {
	return int(d.active.Load())
}

func (d *Dispatcher) refreshGauges() {
	metrics.QueueDepth.Set(float64(d.pending.Load()))
}
