// Command relayd runs the voice relay: it accepts edge speaker WebSocket
// connections and bridges each one to the OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fjfricke/ha-openai-realtime/internal/config"
	"github.com/fjfricke/ha-openai-realtime/internal/hass"
	"github.com/fjfricke/ha-openai-realtime/internal/observability"
	"github.com/fjfricke/ha-openai-realtime/internal/server"
	"github.com/fjfricke/ha-openai-realtime/pkg/openairt"
	"github.com/fjfricke/ha-openai-realtime/pkg/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("invalid configuration", zap.Error(err))
	}

	log, err := buildLogger(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	metrics := observability.New(cfg.MetricsNamespace)

	var backend relay.ToolBackend
	if cfg.HomeAssistantMCPURL != "" {
		backend = hass.New(cfg.HomeAssistantMCPURL, cfg.HomeAssistantToken, log)
		log.Info("home assistant tool backend configured",
			zap.String("url", cfg.HomeAssistantMCPURL))
	}

	sessionCfg := relay.DefaultSessionConfig()
	sessionCfg.Instructions = cfg.Instructions
	sessionCfg.Voice = cfg.Voice
	sessionCfg.AECGracePeriod = cfg.AECGracePeriod
	sessionCfg.SessionCreatedTimeout = cfg.SessionCreatedTimeout

	deps := relay.LinkDeps{
		Dial: func(ctx context.Context) (openairt.Conn, error) {
			return openairt.Dial(ctx, openairt.Options{
				APIKey: cfg.OpenAIAPIKey,
				Model:  cfg.RealtimeModel,
			})
		},
		Cache:   relay.NewContextCache(cfg.ContextReuseTimeout, log),
		Backend: backend,
		Session: sessionCfg,
		Log:     log,
		Metrics: metrics,
	}

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.New(deps, metrics, log).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("model", cfg.RealtimeModel),
			zap.String("voice", cfg.Voice))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("relay exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay stopped")
}

func buildLogger(mode string) (*zap.Logger, error) {
	if mode == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
