// Package main is the entry point for the tapcoin economy server.
// It only handles dependency injection and server initialization.
// NO business logic belongs here.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/berdcoin/tapcoin/internal/auth"
	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/infra/storage"
	"github.com/berdcoin/tapcoin/internal/network"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/config"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
	"github.com/berdcoin/tapcoin/internal/platform/tuning"
	"github.com/berdcoin/tapcoin/internal/session"
)

// advisorPeriod is how often tuning recommendations are logged.
const advisorPeriod = 5 * time.Minute

func main() {
	log.Println("[TAP-SERVER] Initializing tapcoin economy server...")
	appLogger := logger.NewLogger()

	if err := run(appLogger); err != nil {
		appLogger.Error("Server failed: " + err.Error())
		os.Exit(1)
	}
	log.Println("[TAP-SERVER] Shut down cleanly.")
}

func run(appLogger *logger.Logger) error {
	cfg, cfgPath, err := config.LoadFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	appLogger.Info("Config loaded from " + cfgPath)

	profile, err := tuning.ByName(cfg.Tuning)
	if err != nil {
		return err
	}
	maxSessions := cfg.Sessions.MaxSessions
	if maxSessions == 0 {
		maxSessions = profile.MaxSessions
	}
	appMetrics := metrics.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Initializing SQLite database '" + cfg.Storage.SQLitePath + "'...")
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := storage.InitSQLite(cfg.Storage.SQLitePath, profile.SQLiteMaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	caps := capability.Static{Haptics: cfg.Capabilities.Haptics}
	var saves storage.KV = storage.NewSQLiteKV(db)
	if cfg.CloudEnabled() {
		appLogger.Info("Connecting cloud save store...")
		pool, err := storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN, storage.PoolOptions{
			MaxConns: profile.PGMaxConns,
			MinConns: profile.PGMinConns,
		})
		if err != nil {
			// local saves keep working without the cloud slot
			appLogger.Warnf("Cloud storage unavailable, using local saves only: %v", err)
		} else {
			defer pool.Close()
			caps.CloudStorage = true
			saves = storage.NewCloudStore(saves, storage.NewPostgresKV(pool), storage.CloudOptions{
				Timeout: cfg.Storage.CloudTimeout,
				Prefer:  storage.NewerSave,
				Metrics: appMetrics,
				Logger:  appLogger,
			})
		}
	}
	appLogger.Infof("Capabilities: haptics=%t cloud=%t", caps.HasHaptics(), caps.HasCloudStorage())

	saver := storage.NewSaver(saves, storage.SaverOptions{
		WriteTimeout: cfg.Storage.SaveTimeout,
		Metrics:      appMetrics,
		Logger:       appLogger,
	})

	appLogger.Info("Bootstrapping EventLog...")
	ledger := storage.NewSQLiteLedgerRepository(db)
	eventLog := events.NewEventLog(storage.NewLedgerPersister(ledger, cfg.Storage.SaveTimeout))
	eventLog.OnPersistError(func(err error) {
		appMetrics.RecordLedgerError()
		appLogger.Warnf("ledger write failed: %v", err)
	})
	// runs before db.Close so SESSION_CLOSE entries reach the ledger
	defer eventLog.Wait()

	jwtKey := []byte(cfg.Auth.JWTKey)
	if len(jwtKey) == 0 {
		keyPath := filepath.Join(filepath.Dir(cfg.Storage.SQLitePath), "jwt.key")
		if jwtKey, err = auth.LoadOrCreateKey(keyPath); err != nil {
			return err
		}
		appLogger.Info("Using signing key from " + keyPath)
	}
	authSvc, err := auth.NewAuth(storage.NewSQLiteUserRepository(db), auth.Options{
		JWTKey:   jwtKey,
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
		Logger:   appLogger,
	})
	if err != nil {
		return err
	}

	appLogger.Info("Bootstrapping WebSocket Hub...")
	hub := network.NewHub(appLogger, appMetrics)
	detach := hub.Attach(eventLog)
	defer detach()

	sessions, err := session.NewManager(session.Config{
		Rules:         rulesFrom(cfg),
		MaxSessions:   maxSessions,
		SaveTimeout:   cfg.Storage.SaveTimeout,
		CommandBuffer: profile.CommandBuffer,
		IdleTimeout:   cfg.Sessions.IdleTimeout,
	}, session.Deps{
		Store:   saves,
		Saver:   saver,
		Events:  eventLog,
		Haptics: capability.HapticsFor(caps, hub),
		Logger:  appLogger,
		Metrics: appMetrics,
	})
	if err != nil {
		return err
	}

	api := network.NewAPI(sessions, authSvc, storage.NewReconstructor(ledger), hub, network.APIOptions{
		Ctx: ctx,
		Client: network.ClientOptions{
			SendBuffer:        profile.ClientSendBuffer,
			MinActionInterval: cfg.Network.MinActionInterval,
		},
		AllowedOrigins: cfg.Network.AllowedOrigins,
		Logger:         appLogger,
		Metrics:        appMetrics,
	})
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	if cfg.Watch.Enabled {
		watcher := config.WatchFile(cfgPath, cfg.Watch.Interval, os.Getenv, appLogger, func(next *config.Config) {
			sessions.UpdateRules(ctx, rulesFrom(next))
		})
		watcher.Start()
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return saver.Run(gctx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		runAdvisor(gctx, appMetrics, profile, appLogger)
		return nil
	})
	g.Go(func() error {
		appLogger.Info("HTTP API & WS Server listening on " + cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warnf("http shutdown: %v", err)
		}
		// every loop writes its final save before the saver stops
		return sessions.Close(shutdownCtx)
	})
	return g.Wait()
}

func rulesFrom(cfg *config.Config) session.Rules {
	return session.Rules{
		Tiers:        cfg.Economy.Tiers,
		OfflineCap:   cfg.Economy.OfflineCap,
		RegenPeriod:  cfg.Economy.RegenPeriod,
		MiningPeriod: cfg.Economy.MiningPeriod,
	}
}

// runAdvisor logs tuning recommendations derived from live metrics.
func runAdvisor(ctx context.Context, m *metrics.Collector, p *tuning.Profile, log *logger.Logger) {
	t := time.NewTicker(advisorPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rec := tuning.Analyze(m.Snapshot())
			for _, note := range rec.Notes {
				log.Warn("Tuning: " + note)
			}
			if len(rec.Notes) > 0 {
				suggested := *p
				next := tuning.Apply(&suggested, rec)
				log.Infof("Suggested profile: command_buffer=%d client_send_buffer=%d pg_max_conns=%d",
					next.CommandBuffer, next.ClientSendBuffer, next.PGMaxConns)
			}
		}
	}
}
