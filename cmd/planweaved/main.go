// Command planweaved runs the workflow planning and execution service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/config"
	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/executor"
	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/model/anthropic"
	"github.com/planweave/planweave/model/google"
	"github.com/planweave/planweave/model/openai"
	"github.com/planweave/planweave/planner"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/server"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/tool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "planweaved:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	// Persistence. One store serves every repository port; run events may
	// be redirected to Redis.
	var (
		projects  store.ProjectRepository
		workflows store.WorkflowRepository
		runs      runlog.RunRepository
		events    runlog.RunEventRepository
		closeFn   func() error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		projects, workflows, runs, events = s, s, s, s
		closeFn = s.Close
	case "mysql":
		s, err := store.NewMySQLStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		projects, workflows, runs, events = s, s, s, s
		closeFn = s.Close
	case "memory":
		s := store.NewMemStore()
		projects, workflows, runs, events = s, s, s, s
		closeFn = func() error { return nil }
	default:
		return fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
	defer func() { _ = closeFn() }()

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		events = store.NewRedisEventStore(client)
		logger.WithField("addr", cfg.RedisAddr).Info("run events stored in redis")
	}

	// LLM port: provider adapter wrapped in the process-wide rate limiter.
	var chat model.ChatModel
	switch cfg.LLMProvider {
	case "anthropic":
		chat = anthropic.NewChatModel(cfg.LLMAPIKey, cfg.LLMModel)
	case "openai":
		chat = openai.NewChatModel(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
	case "google":
		chat = google.NewChatModel(cfg.LLMAPIKey, cfg.LLMModel)
	case "mock":
		chat = &model.MockChatModel{Responses: []string{
			`{"action": "finalize", "summary": "mock planner: no changes"}`,
		}}
		logger.Warn("using mock LLM; set PLANWEAVE_LLM_PROVIDER for a real provider")
	default:
		return fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
	chat = model.NewRateLimitedModel(chat, cfg.LLMRequestsPerSecond, 4)

	registry := prometheus.NewRegistry()
	metrics := executor.NewMetrics(registry)

	recorder := runlog.NewRecorder(events, logger, 0)
	broker := confirm.NewBroker()
	retriever := tool.NewStaticRetriever()
	httpTool := tool.NewHTTPTool(nil)

	exec := executor.New(executor.Deps{
		Model:     chat,
		Retriever: retriever,
		HTTP:      httpTool,
		Workflows: workflows,
		Runs:      runs,
		Broker:    broker,
		Logger:    logger,
		Metrics:   metrics,
	}, executor.Options{
		ConfirmTimeout: cfg.ConfirmTimeout,
		RunWallClock:   cfg.RunWallClock,
	})

	plan := planner.New(planner.Deps{
		Model:     chat,
		Retriever: retriever,
		Workflows: workflows,
		Logger:    logger,
	}, planner.Options{MaxIterations: cfg.MaxPlanningSteps})

	srv := server.New(server.Deps{
		Planner:           plan,
		Executor:          exec,
		Projects:          projects,
		Workflows:         workflows,
		Runs:              runs,
		Events:            events,
		Recorder:          recorder,
		Broker:            broker,
		Logger:            logger,
		Registry:          registry,
		EnableTestSeedAPI: cfg.EnableTestSeedAPI,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("addr", cfg.ListenAddr).Info("planweaved listening")
	err = srv.Start(ctx, cfg.ListenAddr, cfg.ShutdownTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if drainErr := recorder.Close(drainCtx); drainErr != nil {
		logger.WithError(drainErr).Warn("recorder drain incomplete at shutdown")
	}
	return err
}
