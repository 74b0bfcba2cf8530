package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryci/buildctl/pkg/api"
	"github.com/foundryci/buildctl/pkg/blobstore"
	"github.com/foundryci/buildctl/pkg/dispatcher"
	"github.com/foundryci/buildctl/pkg/events"
	"github.com/foundryci/buildctl/pkg/lifecycle"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/storage"
	"github.com/foundryci/buildctl/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build controller HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./buildctl-data", "Metadata Store (bolt) data directory")
	serveCmd.Flags().String("blob-dir", "./buildctl-data/blobs", "Blob store root directory")
	serveCmd.Flags().String("listen-addr", "127.0.0.1:8080", "HTTP listen address")
	serveCmd.Flags().String("admin-key", "", "Admin API key required on X-API-Key (required)")
	serveCmd.Flags().Int64("max-source-bytes", 500<<20, "Max accepted source upload size in bytes")
	serveCmd.Flags().Int64("max-certs-bytes", 10<<20, "Max accepted cert bundle size in bytes")
	serveCmd.Flags().Int64("max-result-bytes", 1<<30, "Max accepted result artifact size in bytes")
	serveCmd.Flags().Duration("otp-ttl", 5*time.Minute, "VM bootstrap OTP lifetime")
	serveCmd.Flags().Duration("vm-token-ttl", 6*time.Hour, "VM token lifetime after OTP exchange")
	serveCmd.Flags().Duration("watchdog-interval", 30*time.Second, "Liveness watchdog sweep interval")
	serveCmd.Flags().Duration("heartbeat-deadline", 5*time.Minute, "Max silence before an assigned/building build is reclaimed")
	serveCmd.Flags().Duration("grace-period", time.Minute, "Extra grace before reclaiming a build with no heartbeat at all")
	serveCmd.Flags().Float64("submit-rate", 2, "Submit requests per second, per client IP")
	serveCmd.Flags().Int("submit-burst", 5, "Submit request burst size, per client IP")
	serveCmd.MarkFlagRequired("admin-key")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	blobDir, _ := cmd.Flags().GetString("blob-dir")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	adminKey, _ := cmd.Flags().GetString("admin-key")
	maxSourceBytes, _ := cmd.Flags().GetInt64("max-source-bytes")
	maxCertsBytes, _ := cmd.Flags().GetInt64("max-certs-bytes")
	maxResultBytes, _ := cmd.Flags().GetInt64("max-result-bytes")
	otpTTL, _ := cmd.Flags().GetDuration("otp-ttl")
	vmTokenTTL, _ := cmd.Flags().GetDuration("vm-token-ttl")
	watchdogInterval, _ := cmd.Flags().GetDuration("watchdog-interval")
	heartbeatDeadline, _ := cmd.Flags().GetDuration("heartbeat-deadline")
	gracePeriod, _ := cmd.Flags().GetDuration("grace-period")
	submitRate, _ := cmd.Flags().GetFloat64("submit-rate")
	submitBurst, _ := cmd.Flags().GetInt("submit-burst")

	logger := log.WithComponent("serve")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	blobs, err := blobstore.NewStore(blobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	disp := dispatcher.New(store, broker, otpTTL)
	if err := disp.RebuildFromStorage(); err != nil {
		return fmt.Errorf("rebuild dispatcher queue: %w", err)
	}

	eng := lifecycle.New(store, blobs, disp, broker, lifecycle.Config{
		MaxSourceBytes: maxSourceBytes,
		MaxCertsBytes:  maxCertsBytes,
		MaxResultBytes: maxResultBytes,
		OTPTTL:         otpTTL,
		VMTokenTTL:     vmTokenTTL,
	})

	wd := watchdog.New(store, eng, watchdog.Config{
		Interval:          watchdogInterval,
		HeartbeatDeadline: heartbeatDeadline,
		GracePeriod:       gracePeriod,
	})
	wd.Start()
	defer wd.Stop()

	srv := api.NewServer(store, blobs, eng, disp, api.Config{
		AdminKey:         adminKey,
		SubmitRatePerSec: submitRate,
		SubmitRateBurst:  submitBurst,
		RequestTimeout:   30 * time.Second,
	})

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return srv.Shutdown(ctx)
}
