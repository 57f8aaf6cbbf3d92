package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/planner"
	"github.com/rovercraft/fleetbridge/internal/supervisor"
	"github.com/rovercraft/fleetbridge/internal/telemetry"
	"github.com/rovercraft/fleetbridge/internal/workerhost"
)

const workerJobSystem = `You are a robotics fleet worker. Execute the instruction and answer
with the result only. If the instruction cannot be completed without more
information, answer with a single clarifying question prefixed "QUESTION:".`

func runWorkerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	name := fs.String("name", "worker", "worker name advertised on the registration card")
	addr := fs.String("addr", "", "listen address (default 127.0.0.1:$PORT, or :0)")
	description := fs.String("description", "generic fleet worker", "card description")
	publicURL := fs.String("public-url", "", "externally reachable base URL for the card")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "worker-"+*name, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	listenAddr := *addr
	if listenAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			listenAddr = net.JoinHostPort("127.0.0.1", port)
		} else {
			listenAddr = "127.0.0.1:0"
		}
	}

	engine := planner.NewEngine(ctx, planner.Config{
		Provider: cfg.Planner.Provider,
		Model:    cfg.Planner.Model,
		APIKey:   cfg.Planner.APIKey(),
		BaseURL:  cfg.Planner.BaseURL,
	})

	job := workerhost.JobFunc(func(ctx context.Context, instruction string, progress func(text string)) (workerhost.JobResult, error) {
		if progress != nil {
			progress("working on: " + instruction)
		}
		out, err := engine.Complete(ctx, workerJobSystem, instruction)
		if err != nil {
			return workerhost.JobResult{}, err
		}
		if q, ok := clarifyingQuestion(out); ok {
			return workerhost.JobResult{Question: q}, nil
		}
		return workerhost.JobResult{Output: out}, nil
	})

	host := workerhost.New(workerhost.Options{
		Name:          *name,
		Description:   *description,
		Version:       Version,
		PublicURL:     *publicURL,
		Job:           job,
		Logger:        logger,
		ShutdownToken: os.Getenv(supervisor.ShutdownTokenEnv),
	})

	logger.Info("worker listening", "worker", *name, "addr", listenAddr)
	if err := host.Serve(ctx, listenAddr); err != nil {
		fatalStartup(logger, "E_SERVE", err)
	}
	logger.Info("worker stopped", "worker", *name)
	return 0
}

// clarifyingQuestion extracts the question from a "QUESTION:" reply.
func clarifyingQuestion(out string) (string, bool) {
	const marker = "QUESTION:"
	if !strings.HasPrefix(out, marker) {
		return "", false
	}
	q := strings.TrimSpace(strings.TrimPrefix(out, marker))
	return q, q != ""
}
