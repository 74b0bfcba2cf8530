package lifecycle

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/blobstore"
	"github.com/foundryci/buildctl/pkg/certbundle"
	"github.com/foundryci/buildctl/pkg/dispatcher"
	"github.com/foundryci/buildctl/pkg/events"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/metrics"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/token"
	"github.com/foundryci/buildctl/pkg/types"
)

// Config bounds the Lifecycle Engine's resource limits. Deadline
// values are configuration, not code, per the watchdog's own design
// note, and the same applies here to upload caps and token TTLs.
type Config struct {
	MaxSourceBytes int64
	MaxCertsBytes  int64
	MaxResultBytes int64
	OTPTTL         time.Duration
	VMTokenTTL     time.Duration
}

// Engine owns every Build.status transition.
type Engine struct {
	store  storage.Store
	blobs  *blobstore.Store
	disp   *dispatcher.Dispatcher
	broker *events.Broker
	logger zerolog.Logger
	cfg    Config
}

// New creates a Lifecycle Engine.
func New(store storage.Store, blobs *blobstore.Store, disp *dispatcher.Dispatcher, broker *events.Broker, cfg Config) *Engine {
	return &Engine{
		store:  store,
		blobs:  blobs,
		disp:   disp,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
		cfg:    cfg,
	}
}

// Submit writes source (and optional certs) to the blob store, inserts
// a pending build row, mints its build token, and enqueues it. Every
// step must succeed before the caller gets a 2xx; a failure after a
// partial blob write deletes that blob before returning.
func (e *Engine) Submit(platform types.Platform, sourceExt string, source io.Reader, certs io.Reader) (*types.Build, error) {
	id := uuid.New().String()

	sourcePath, err := e.blobs.PutLimited(blobstore.NamespaceSource, id+sourceExt, source, e.cfg.MaxSourceBytes)
	if err != nil {
		return nil, wrapUploadErr(err)
	}

	var certsPath string
	if certs != nil {
		certsPath, err = e.blobs.PutLimited(blobstore.NamespaceCerts, id+".zip", certs, e.cfg.MaxCertsBytes)
		if err != nil {
			e.blobs.Delete(sourcePath)
			return nil, wrapUploadErr(err)
		}
	}

	buildToken, err := token.Generate()
	if err != nil {
		e.blobs.Delete(sourcePath)
		if certsPath != "" {
			e.blobs.Delete(certsPath)
		}
		return nil, apierr.Internal(err)
	}

	build := &types.Build{
		ID:          id,
		Platform:    platform,
		Status:      types.BuildStatusPending,
		SourcePath:  sourcePath,
		CertsPath:   certsPath,
		BuildToken:  buildToken,
		SubmittedAt: time.Now(),
	}

	if err := e.store.Update(func(tx storage.Tx) error {
		return tx.PutBuild(build)
	}); err != nil {
		e.blobs.Delete(sourcePath)
		if certsPath != "" {
			e.blobs.Delete(certsPath)
		}
		return nil, apierr.Internal(err)
	}

	e.disp.Enqueue(build.ID)
	metrics.BuildsTotal.WithLabelValues(string(build.Status), string(build.Platform)).Inc()
	return build, nil
}

func wrapUploadErr(err error) error {
	if err == blobstore.ErrTooLarge {
		return apierr.PayloadTooLarge("upload exceeds configured limit")
	}
	return apierr.Internal(err)
}

// Heartbeat records a build's latest heartbeat from its assigned
// worker. The first heartbeat on an assigned build transitions it to
// building. A heartbeat from any other worker is Forbidden.
func (e *Engine) Heartbeat(buildID, workerID, progress string) error {
	return e.store.Update(func(tx storage.Tx) error {
		build, err := tx.GetBuild(buildID)
		if err != nil {
			return notFoundOrWrap(err, "build")
		}
		if build.WorkerID != workerID {
			return apierr.Forbidden("heartbeat from non-owning worker")
		}

		build.LastHeartbeatAt = time.Now()
		if build.Status == types.BuildStatusAssigned {
			build.Status = types.BuildStatusBuilding
		}
		if err := tx.PutBuild(build); err != nil {
			return apierr.Internal(err)
		}
		if progress != "" {
			if err := tx.AppendLog(buildID, types.LogLevelInfo, progress); err != nil {
				return apierr.Internal(err)
			}
		}
		return nil
	})
}

// Complete marks a build completed. Idempotent: a second complete on
// an already-completed build is a no-op returning success; a complete
// on any other terminal status fails loudly.
func (e *Engine) Complete(buildID string, result io.Reader) error {
	build, err := e.store.GetBuild(buildID)
	if err != nil {
		return notFoundOrWrap(err, "build")
	}
	if build.Status == types.BuildStatusCompleted {
		return nil
	}
	if build.Status.Terminal() {
		return apierr.InvalidTransition("build %s is already %s", buildID, build.Status)
	}

	resultExt := ".ipa"
	if build.Platform == types.PlatformAndroid {
		resultExt = ".apk"
	}
	resultPath, err := e.blobs.PutLimited(blobstore.NamespaceResults, buildID+resultExt, result, e.cfg.MaxResultBytes)
	if err != nil {
		return wrapUploadErr(err)
	}

	prevStatus := build.Status
	err = e.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBuild(buildID)
		if err != nil {
			return err
		}
		if b.Status == types.BuildStatusCompleted {
			return nil
		}
		if b.Status.Terminal() {
			return apierr.InvalidTransition("build %s is already %s", buildID, b.Status)
		}

		now := time.Now()
		b.Status = types.BuildStatusCompleted
		b.ResultPath = resultPath
		b.CompletedAt = now
		if err := tx.PutBuild(b); err != nil {
			return err
		}

		if b.WorkerID != "" {
			worker, err := tx.GetWorker(b.WorkerID)
			if err == nil {
				worker.CompletedCount++
				worker.Status = types.WorkerStatusIdle
				if err := tx.PutWorker(worker); err != nil {
					return err
				}
			}
		}
		return tx.AppendLog(buildID, types.LogLevelInfo, "completed")
	})
	if err != nil {
		return asAPIErr(err)
	}

	e.disp.Release(buildID, prevStatus, "completed")
	metrics.BuildsCompletedTotal.Inc()
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventBuildCompleted, BuildID: buildID, WorkerID: build.WorkerID})
	}
	return nil
}

// Fail marks a build failed with the given message. A fail on an
// already-terminal build is a no-op — the watchdog relies on this to
// race safely against a worker that is concurrently completing.
func (e *Engine) Fail(buildID, errMsg string) error {
	build, err := e.store.GetBuild(buildID)
	if err != nil {
		return notFoundOrWrap(err, "build")
	}
	if build.Status.Terminal() {
		return nil
	}
	prevStatus := build.Status

	err = e.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBuild(buildID)
		if err != nil {
			return err
		}
		if b.Status.Terminal() {
			return nil
		}

		b.Status = types.BuildStatusFailed
		b.ErrorMessage = errMsg
		b.CompletedAt = time.Now()
		if err := tx.PutBuild(b); err != nil {
			return err
		}

		if b.WorkerID != "" {
			worker, err := tx.GetWorker(b.WorkerID)
			if err == nil {
				worker.FailedCount++
				worker.Status = types.WorkerStatusIdle
				if err := tx.PutWorker(worker); err != nil {
					return err
				}
			}
		}
		return tx.AppendLog(buildID, types.LogLevelError, fmt.Sprintf("failed: %s", errMsg))
	})
	if err != nil {
		return apierr.Internal(err)
	}

	e.disp.Release(buildID, prevStatus, "failed")
	metrics.BuildsFailedTotal.Inc()
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventBuildFailed, BuildID: buildID, WorkerID: build.WorkerID})
	}
	return nil
}

// Cancel transitions a build to cancelled. A second cancel on an
// already-cancelled build is a no-op; cancelling any other terminal
// build fails with BadRequest.
func (e *Engine) Cancel(buildID string) error {
	build, err := e.store.GetBuild(buildID)
	if err != nil {
		return notFoundOrWrap(err, "build")
	}
	if build.Status == types.BuildStatusCancelled {
		return nil
	}
	if build.Status.Terminal() {
		return apierr.BadRequest("cannot cancel build %s in terminal state %s", buildID, build.Status)
	}
	prevStatus := build.Status

	err = e.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBuild(buildID)
		if err != nil {
			return err
		}
		if b.Status == types.BuildStatusCancelled {
			return nil
		}
		if b.Status.Terminal() {
			return apierr.BadRequest("cannot cancel build %s in terminal state %s", buildID, b.Status)
		}

		releaseWorker := b.Status == types.BuildStatusAssigned || b.Status == types.BuildStatusBuilding
		b.Status = types.BuildStatusCancelled
		b.CompletedAt = time.Now()
		if err := tx.PutBuild(b); err != nil {
			return err
		}

		if releaseWorker && b.WorkerID != "" {
			worker, err := tx.GetWorker(b.WorkerID)
			if err == nil {
				worker.Status = types.WorkerStatusIdle
				if err := tx.PutWorker(worker); err != nil {
					return err
				}
			}
		}
		return tx.AppendLog(buildID, types.LogLevelInfo, "cancelled by submitter")
	})
	if err != nil {
		return asAPIErr(err)
	}

	e.disp.Release(buildID, prevStatus, "cancelled")
	metrics.BuildsCancelledTotal.Inc()
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventBuildCancelled, BuildID: buildID})
	}
	return nil
}

// Retry copies a parent build's blob references into a fresh pending
// build, mints new tokens, links the retry relation, and enqueues it.
// Fails with SourceGone if the parent's source blob no longer exists.
func (e *Engine) Retry(parentID string) (*types.Build, error) {
	parent, err := e.store.GetBuild(parentID)
	if err != nil {
		return nil, notFoundOrWrap(err, "build")
	}
	if !e.blobs.Exists(parent.SourcePath) {
		return nil, apierr.SourceGone("source for build %s has been garbage-collected", parentID)
	}

	buildToken, err := token.Generate()
	if err != nil {
		return nil, apierr.Internal(err)
	}

	child := &types.Build{
		ID:            uuid.New().String(),
		Platform:      parent.Platform,
		Status:        types.BuildStatusPending,
		SourcePath:    parent.SourcePath,
		CertsPath:     parent.CertsPath,
		BuildToken:    buildToken,
		SubmittedAt:   time.Now(),
		RetryParentID: parentID,
	}

	if err := e.store.Update(func(tx storage.Tx) error {
		if err := tx.PutBuild(child); err != nil {
			return err
		}
		return tx.CreateRetryLink(types.RetryLink{ParentID: parentID, ChildID: child.ID})
	}); err != nil {
		return nil, apierr.Internal(err)
	}

	e.disp.Enqueue(child.ID)
	metrics.BuildsRetriedTotal.Inc()
	return child, nil
}

// CertsSecure reads the build's cert zip from blob storage (before any
// transaction opens, per the suspension-point rule) and returns the
// one-shot secure bundle for its VM: a fresh keychain password every
// call, the zip's p12/password/profiles otherwise.
func (e *Engine) CertsSecure(buildID string) (*certbundle.Bundle, error) {
	build, err := e.store.GetBuild(buildID)
	if err != nil {
		return nil, notFoundOrWrap(err, "build")
	}
	if build.CertsPath == "" {
		return nil, apierr.CertsMalformed("build %s has no cert bundle", buildID)
	}

	rc, err := e.blobs.Get(build.CertsPath)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rc.Close()

	zipBytes, err := io.ReadAll(rc)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	bundle, err := certbundle.Build(zipBytes)
	if err != nil {
		return nil, apierr.CertsMalformed("build %s: %v", buildID, err)
	}

	if err := e.store.Update(func(tx storage.Tx) error {
		return tx.AppendLog(buildID, types.LogLevelInfo, "certs-secure bundle issued")
	}); err != nil {
		e.logger.Warn().Err(err).Str("build_id", buildID).Msg("failed to log certs-secure issuance")
	}

	return bundle, nil
}

// ExchangeOTP consumes a build's OTP and mints a VM token bound to
// that build. A second attempt with the same OTP fails with Conflict.
func (e *Engine) ExchangeOTP(otp string) (buildID string, vmToken string, expiresAt time.Time, err error) {
	err = e.store.Update(func(tx storage.Tx) error {
		build, ok, ferr := tx.FindBuildByOTP(otp)
		if ferr != nil {
			return ferr
		}
		if !ok {
			return apierr.Unauthorized("unknown otp")
		}
		if build.OTPUsed {
			return apierr.Conflict("otp already consumed")
		}
		if time.Now().After(build.OTPExpiry) {
			return apierr.Unauthorized("otp expired")
		}

		newToken, terr := token.Generate()
		if terr != nil {
			return terr
		}

		build.OTPUsed = true
		build.VMToken = newToken
		if err := tx.PutBuild(build); err != nil {
			return err
		}

		buildID = build.ID
		vmToken = newToken
		expiresAt = time.Now().Add(e.cfg.VMTokenTTL)
		return nil
	})
	if err != nil {
		return "", "", time.Time{}, asAPIErr(err)
	}
	return buildID, vmToken, expiresAt, nil
}

func notFoundOrWrap(err error, what string) error {
	if err == storage.ErrNotFound {
		return apierr.NotFound("%s not found", what)
	}
	return apierr.Internal(err)
}

// asAPIErr passes through an *apierr.Error unchanged, wrapping
// anything else as Internal so callers never leak raw storage errors.
func asAPIErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apierr.Error); ok {
		return err
	}
	return apierr.Internal(err)
}
