// Package serve wires the orchestration core together and runs the HTTP,
// stream, and socket boundary.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/jmiran15/chatmate-sub000/pkg/bridge"
	"github.com/jmiran15/chatmate-sub000/pkg/broadcast"
	"github.com/jmiran15/chatmate-sub000/pkg/completion"
	"github.com/jmiran15/chatmate-sub000/pkg/config"
	"github.com/jmiran15/chatmate-sub000/pkg/enrich"
	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
	anthropicprovider "github.com/jmiran15/chatmate-sub000/pkg/provider/anthropic"
	openaiprovider "github.com/jmiran15/chatmate-sub000/pkg/provider/openai"
	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
	"github.com/jmiran15/chatmate-sub000/pkg/tools"
)

func NewServeCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatmate orchestration server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func run(debug bool) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	p, err := newProvider(cfg)
	if err != nil {
		return err
	}

	store := ledger.NewMemoryStore()

	sched := scheduler.New(logger, scheduler.WithConcurrency(cfg.QueueConcurrency))
	enrichSvc := enrich.NewService(store, store, p, cfg.Model, logger)
	enrichSvc.Register(sched)

	registry := tools.NewRegistry(nil, tools.Handoff{})

	engine := completion.NewEngine(p, store, registry, sched, logger, completion.Config{
		Model:             cfg.Model,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		MaxToolIterations: cfg.MaxToolIterations,
		Timeout:           cfg.GenerationTimeout,
	})
	engine.SetEnrichmentFlows(enrich.NamingFlow, enrich.InsightFlow)

	bus := broadcast.NewBus()
	br := bridge.New(sched, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	server := NewServer(engine, store, bus, br, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("provider", p.Name()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		bus.Close()
		sched.Close()
		return err
	})

	return g.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiprovider.NewProvider(cfg.OpenAIAPIKey), nil
	case "anthropic":
		return anthropicprovider.NewProvider(cfg.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
