package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"refreshflow/internal/api"
	"refreshflow/internal/config"
	"refreshflow/internal/domain"
	"refreshflow/internal/gateway"
	"refreshflow/internal/lock"
	"refreshflow/internal/notify"
	"refreshflow/internal/refresh"
	"refreshflow/internal/scheduler"
	"refreshflow/internal/store"
	"refreshflow/internal/worker"
)

// staleQueuedAfter is how long a run may sit in Queued before startup
// recovery treats it as orphaned.
const staleQueuedAfter = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the admin HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if !cfg.PowerBIConfigured() {
		return errors.New("powerbi.tenant_id, powerbi.client_id and powerbi.client_secret are required")
	}
	gw, err := gateway.NewPowerBI(gateway.PowerBIConfig{
		APIURL:            cfg.PowerBI.APIURL,
		TenantID:          cfg.PowerBI.TenantID,
		ClientID:          cfg.PowerBI.ClientID,
		ClientSecret:      cfg.PowerBI.ClientSecret,
		Timeout:           time.Duration(cfg.PowerBI.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.PowerBI.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	dispatcher := notify.NewDispatcher(map[domain.TargetType]notify.Notifier{
		domain.TargetEmail: notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}),
		domain.TargetWebhook: notify.NewWebhookNotifier(time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second, nil),
	})

	orch := refresh.New(refreshOptions(cfg), st, st, gw, dispatcher, refresh.WithLocker(locker))
	if n, err := orch.RecoverInterrupted(ctx, staleQueuedAfter); err != nil {
		log.Warn().Err(err).Msg("recover interrupted runs")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("failed interrupted queued runs")
	}

	loop := scheduler.NewLoop(orch, st, st, worker.NewPool(cfg.Refresh.SyncWorkers),
		time.Duration(cfg.Refresh.PollIntervalSeconds)*time.Second)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Start(ctx)
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(orch, st), ReadHeaderTimeout: 10 * time.Second}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-srvErr:
		log.Error().Err(err).Msg("http server")
	}

	loop.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	if serr := srv.Shutdown(ctxTimeout); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	<-loopDone
	return err
}

func refreshOptions(cfg *config.Config) refresh.Options {
	return refresh.Options{
		MaxConcurrentPerDataset:    cfg.Refresh.MaxConcurrentPerDataset,
		ManualCooldownSeconds:      cfg.Refresh.ManualCooldownSeconds,
		DefaultRetryCount:          cfg.Refresh.DefaultRetryCount,
		DefaultRetryBackoffSeconds: cfg.Refresh.DefaultRetryBackoffSeconds,
		PollIntervalSeconds:        cfg.Refresh.PollIntervalSeconds,
	}
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.DBPath == ":memory:" {
		log.Warn().Msg("using in-memory store, nothing survives a restart")
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	log.Info().Str("path", cfg.DBPath).Msg("sqlite store opened")
	return store.NewSQLiteStore(db), func() { db.Close() }, nil
}

func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis dataset locks")
	return lock.NewRedis(client, time.Duration(cfg.Redis.LockTTLSeconds)*time.Second), func() { client.Close() }, nil
}
