package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitals-lab/vitals/internal/core/config"
	"github.com/vitals-lab/vitals/internal/core/sensor"
	"github.com/vitals-lab/vitals/internal/core/sensor/healthexport"
	"github.com/vitals-lab/vitals/internal/core/sensor/sim"
	"github.com/vitals-lab/vitals/internal/engine"
	"github.com/vitals-lab/vitals/internal/render"
	"github.com/vitals-lab/vitals/internal/state"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	// 0. Initialize Logger
	// Logs go to stderr: in TUI mode stdout belongs to the dashboard.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	slog.Info("Loaded config", "source", cfg.Source.Kind, "render", cfg.Render.Kind)

	types, err := cfg.Metrics.Types()
	if err != nil {
		slog.Error("Invalid tracked metrics", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Sample Source
	var source sensor.Source
	switch cfg.Source.Kind {
	case "sim":
		profile := sim.DefaultProfile()
		if cfg.Source.Sim.Profile != "" {
			profile, err = sim.LoadProfile(cfg.Source.Sim.Profile)
			if err != nil {
				slog.Error("Failed to load sim profile", "path", cfg.Source.Sim.Profile, "error", err)
				os.Exit(1)
			}
		}
		source = sim.NewSource(profile)
	case "healthexport":
		export, err := healthexport.ParseFile(cfg.Source.HealthExport.Path)
		if err != nil {
			slog.Error("Failed to parse health export", "path", cfg.Source.HealthExport.Path, "error", err)
			os.Exit(1)
		}
		src, err := healthexport.NewSource(export, healthexport.Options{
			Speed:  cfg.Source.HealthExport.Speed,
			Rebase: cfg.Source.HealthExport.Rebase,
		})
		if err != nil {
			slog.Error("Failed to initialize health export source", "error", err)
			os.Exit(1)
		}
		for _, reason := range src.SkippedMetrics() {
			slog.Warn("Skipping export metric", "reason", reason)
		}
		source = src
	default:
		slog.Error("Unsupported source kind", "kind", cfg.Source.Kind)
		os.Exit(1)
	}

	// 3. Initialize Snapshot Store
	store := state.NewStore(types)

	// 4. Initialize Engine
	eng := engine.New(source, store, engine.Options{
		Types:            types,
		DeliveryBuffer:   cfg.Engine.DeliveryBuffer,
		RolloverInterval: cfg.Engine.RolloverInterval(),
	})

	// 5. Initialize Renderer
	var renderer render.Renderer
	switch cfg.Render.Kind {
	case "tui":
		renderer = render.NewTUI(store, eng, types, cfg.Render.RefreshInterval(), cfg.Render.StaleThreshold())
	case "log":
		renderer = render.NewLogRenderer(store, types, cfg.Render.RefreshInterval(), cfg.Render.StaleThreshold())
	default:
		slog.Error("Unsupported render kind", "kind", cfg.Render.Kind)
		os.Exit(1)
	}

	// 6. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine runs in the background; a fatal condition (access denial)
	// cancels the renderer so the process can exit non-zero.
	engineErr := make(chan error, 1)
	go func() {
		err := eng.Run(ctx)
		engineErr <- err
		if err != nil {
			slog.Error("Engine stopped with error", "error", err)
			cancel()
		}
	}()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// Renderer blocks until ctx is cancelled or the user quits.
	rendererErr := renderer.Run(ctx)
	cancel()

	if err := <-engineErr; err != nil {
		os.Exit(1)
	}
	if rendererErr != nil {
		slog.Error("Renderer stopped with error", "error", rendererErr)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
