package watchdog

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryci/buildctl/pkg/lifecycle"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/metrics"
	"github.com/foundryci/buildctl/pkg/storage"
)

// Config holds the watchdog's timing knobs. These are deployment
// configuration, not code, per §4.6.
type Config struct {
	Interval          time.Duration
	HeartbeatDeadline time.Duration
	GracePeriod       time.Duration
}

// Watchdog bounds how long a stuck build can hold a worker.
type Watchdog struct {
	store     storage.Store
	lifecycle *lifecycle.Engine
	cfg       Config
	logger    zerolog.Logger
	mu        sync.Mutex
	stopCh    chan struct{}
}

// New creates a Watchdog.
func New(store storage.Store, eng *lifecycle.Engine, cfg Config) *Watchdog {
	return &Watchdog{
		store:     store,
		lifecycle: eng,
		cfg:       cfg,
		logger:    log.WithComponent("watchdog"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the sweep loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().Msg("watchdog started")

	for {
		select {
		case <-ticker.C:
			if err := w.sweep(); err != nil {
				w.logger.Error().Err(err).Msg("watchdog sweep failed")
			}
		case <-w.stopCh:
			w.logger.Info().Msg("watchdog stopped")
			return
		}
	}
}

// sweep fails every build whose heartbeat has gone stale. The common
// transaction inside Lifecycle.Fail serializes this against a worker
// concurrently completing the same build, so fail on an
// already-terminal build is a no-op rather than a race.
func (w *Watchdog) sweep() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.WatchdogCycleDuration)
	}()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	stuck, err := w.store.ListStuckBuilds(now.Add(-w.cfg.HeartbeatDeadline), now.Add(-w.cfg.GracePeriod))
	if err != nil {
		return err
	}

	for _, build := range stuck {
		if err := w.lifecycle.Fail(build.ID, "Build timeout - no heartbeat received"); err != nil {
			w.logger.Error().Err(err).Str("build_id", build.ID).Msg("failed to reclaim stuck build")
			continue
		}
		metrics.WatchdogReclaimsTotal.Inc()
		w.logger.Warn().Str("build_id", build.ID).Str("worker_id", build.WorkerID).Msg("build reclaimed for missed heartbeat")
	}

	return nil
}
