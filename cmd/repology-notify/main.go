package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bakkerme/repology-notify/internal/api"
	"github.com/bakkerme/repology-notify/internal/config"
	"github.com/bakkerme/repology-notify/internal/observability/otelx"
	"github.com/bakkerme/repology-notify/internal/runner/factory"
)

func main() {
	env := config.LoadEnv()

	var overrides config.Overrides
	var intervalSeconds int
	configPath := flag.String("config", env.ConfigPath, "path to repology-notify document")
	runOnce := flag.Bool("run-once", env.RunOnce, "run a single cycle and exit")
	stringFlag(&overrides.Maintainer, "maintainer", "m", "maintainer whose packages are watched")
	stringFlag(&overrides.Repository, "repository", "r", "repository to watch")
	stringFlag(&overrides.Email, "email", "e", "send notifications to this address")
	stringFlag(&overrides.GitHubRepo, "github-repo", "g", "open issues in this owner/name repository")
	stringFlag(&overrides.Token, "token", "t", "GitHub token for the issue channel")
	flag.IntVar(&intervalSeconds, "interval", 0, "seconds between cycles")
	flag.IntVar(&intervalSeconds, "i", 0, "shorthand for -interval")
	flag.StringVar(&overrides.StatePath, "state", "", "seen-set location")
	flag.StringVar(&overrides.Listen, "listen", "", "address for the status server")
	flag.Parse()
	overrides.Interval = time.Duration(intervalSeconds) * time.Second

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(env.LogLevel)}))
	slog.SetDefault(logger)

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load document: %v", err)
	}
	doc.ApplyOverrides(overrides)
	doc.ApplyEnv(env)
	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := otelx.Init(ctx, logger, env.OTel, otelx.WatchAttributes(doc.Maintainer, doc.Repository)...)
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}
	if shutdownOTel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOTel(shutdownCtx)
		}()
	}

	built, err := factory.NewFromEnvConfig(logger, env).Build(doc)
	if err != nil {
		log.Fatalf("failed to build runner: %v", err)
	}
	defer built.Close()

	logger.Info("repology-notify configured",
		"maintainer", doc.Maintainer,
		"repository", doc.Repository,
		"channels", built.Runner.ChannelNames(),
		"state_backend", doc.State.Backend,
	)

	if *runOnce {
		cycle, err := built.Runner.RunOnce(ctx)
		if err != nil {
			logger.Error("cycle failed", "error", err)
			built.Close()
			os.Exit(1)
		}
		logger.Info("cycle finished", "cycle_id", cycle.ID, "status", cycle.Status)
		return
	}

	var server *api.Server
	if doc.HTTP.Listen != "" {
		server = api.NewServer(logger, built.Runner)
		go func() {
			if err := server.Start(doc.HTTP.Listen); err != nil {
				logger.Error("status server failed", "error", err)
				stop()
			}
		}()
	}

	if err := built.Runner.Start(ctx, built.Trigger); err != nil {
		log.Fatalf("failed to start runner: %v", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("status server shutdown", "error", err)
		}
		cancel()
	}
	if err := built.Trigger.Stop(); err != nil {
		logger.Warn("trigger stop", "error", err)
	}
	built.Runner.Wait()
}

// stringFlag registers a long and a one-letter name for the same value.
func stringFlag(p *string, name, short, usage string) {
	flag.StringVar(p, name, "", usage)
	flag.StringVar(p, short, "", "shorthand for -"+name)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
