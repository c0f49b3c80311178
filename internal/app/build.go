package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/auth"
	"github.com/ent0n29/voxgate/internal/config"
	"github.com/ent0n29/voxgate/internal/eventlog"
	"github.com/ent0n29/voxgate/internal/gateway"
	"github.com/ent0n29/voxgate/internal/handshake"
	"github.com/ent0n29/voxgate/internal/httpapi"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/registry"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/turn"
	"github.com/ent0n29/voxgate/internal/voice"
	"github.com/ent0n29/voxgate/internal/worker"
)

type BuildResult struct {
	Config    config.Config
	Logger    *slog.Logger
	API       *httpapi.Server
	Gateway   *gateway.Handler
	Registry  *registry.Registry
	Sessions  *session.Manager
	Pool      *worker.Pool
	Events    eventlog.Store
	Recorder  *eventlog.Recorder
	Metrics   *observability.Metrics
	Stages    *observability.TurnStageWindow
	Providers voice.Providers

	// Cleanup should be called on shutdown, after the listener has stopped.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewTurnStageWindow(256, metrics)

	providers, err := voice.DefaultRegistry().Build(cfg.Providers, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("voice providers: %w", err)
	}

	var verifier *auth.Verifier
	if cfg.AuthEnabled || strings.TrimSpace(cfg.JWTSecret) != "" {
		verifier, err = auth.NewVerifier(cfg.JWTSecret, cfg.JWTAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("credential verifier: %w", err)
		}
	}

	events, err := eventlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("event store init failed: %w", err)
	}
	recorder := eventlog.NewRecorder(events, 1024, logger)

	reg := registry.New(
		registry.WithRetention(cfg.RegistryOfflineRetention),
		registry.WithBroadcastFanout(cfg.BroadcastFanout),
	)
	reg.SetHook(func(ev registry.Event) {
		metrics.RegistryEvents.WithLabelValues(string(ev.Type)).Inc()
		metrics.OnlineDevices.Set(float64(reg.OnlineCount()))
		recorder.Record(ev)
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired after inactivity", "session_id", s.ID, "device_id", s.DeviceID)
	})

	pool := worker.New(cfg.WorkerPoolSize)
	metrics.RegisterPool(pool)

	gw := gateway.New(gateway.Config{
		AuthEnabled:    cfg.AuthEnabled,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Turn: turn.Config{
			MinUtteranceFrames: cfg.MinUtteranceFrames,
			MaxUtteranceBytes:  cfg.Provider.HTTPASR.MaxAudioSize,
			IdleTimeout:        cfg.IdleTimeout,
			FarewellPrompt:     cfg.FarewellPrompt,
			CloseOnFarewell:    cfg.IdleCloseAfterFarewell,
			ListenMode:         cfg.ListenMode,
		},
	}, gateway.Deps{
		Verifier:   verifier,
		Registry:   reg,
		Sessions:   sessions,
		Negotiator: handshake.NewNegotiator(handshake.DefaultAudioParams),
		Providers:  providers,
		Pool:       pool,
		Metrics:    metrics,
		Stages:     stages,
		Logger:     logger,
	})

	api := httpapi.New(httpapi.Config{
		AdminAPIKey: cfg.AdminAPIKey,
		WSPath:      cfg.WSPath,
	}, httpapi.Deps{
		Registry: reg,
		Sessions: sessions,
		Events:   events,
		Metrics:  metrics,
		Stages:   stages,
		Devices:  gw,
		Logger:   logger,
	})

	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY is not set; admin routes will reject every request")
	}
	if !cfg.AuthEnabled {
		logger.Warn("device authentication is disabled; unauthenticated devices get anonymous ids")
	}
	logger.Info("voice providers selected",
		"vad", cfg.Providers.VAD,
		"asr", cfg.Providers.ASR,
		"intent", cfg.Providers.Intent,
		"chat", cfg.Providers.Chat,
	)

	cleanup := func() error {
		var errs []string
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := pool.Close(shutdownCtx); err != nil {
			errs = append(errs, "worker pool: "+err.Error())
		}
		if err := recorder.Close(shutdownCtx); err != nil {
			errs = append(errs, "event recorder: "+err.Error())
		}
		if err := events.Close(); err != nil {
			errs = append(errs, "event store: "+err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       api,
		Gateway:   gw,
		Registry:  reg,
		Sessions:  sessions,
		Pool:      pool,
		Events:    events,
		Recorder:  recorder,
		Metrics:   metrics,
		Stages:    stages,
		Providers: providers,
		Cleanup:   cleanup,
	}, nil
}

// StartJanitors runs the registry and session janitors until ctx ends.
func (b *BuildResult) StartJanitors(ctx context.Context) {
	b.Registry.StartJanitor(ctx, b.Config.RegistryJanitorInterval)
	b.Sessions.StartJanitor(ctx, 5*time.Second)
}

// CloseDevices sends a normal closure to every online device. It returns the
// number of sockets closed.
func (b *BuildResult) CloseDevices(reason string) int {
	total := 0
	for _, d := range b.Registry.Devices() {
		if d.Status != registry.StatusOnline {
			continue
		}
		n, err := b.Registry.Close(d.DeviceID, protocol.CloseNormal, reason)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
