// Command mioku runs the group-chat agent: it connects to the bot
// gateway, routes inbound events through the conversation engine, and
// keeps the background analyzers fed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/jerryplusy/mioku/internal/buildinfo"
	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/dispatch"
	"github.com/jerryplusy/mioku/internal/engine"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/humanizer"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/ratelimit"
	"github.com/jerryplusy/mioku/internal/session"
	"github.com/jerryplusy/mioku/internal/skills"
	"github.com/jerryplusy/mioku/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mioku:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	path, err := config.FindConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := config.NewLogger(cfg.LogLevel)

	if !cfg.Configured() {
		logger.Warn("api_url / api_key missing; refusing to start")
		return fmt.Errorf("LLM API not configured")
	}
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(filepath.Join(cfg.DataDir, "mioku.db"), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := llm.NewOpenAIClient(cfg.APIURL, cfg.APIKey, logger.With("component", "llm"))
	workModel := cfg.EffectiveModel()

	limiter := ratelimit.New(cfg.Rate, logger.With("component", "ratelimit"))
	skillReg := skills.NewRegistry(logger.With("component", "skills"))
	sessions := session.NewManager(st, cfg.MaxSessions, logger.With("component", "sessions"))

	emoji := humanizer.NewEmojiSystem(cfg.Emoji, st, client, workModel, cfg.IsMultimodal, logger.With("component", "emoji"))

	deps := dispatch.Deps{
		Config:    cfg,
		Logger:    logger.With("component", "dispatch"),
		Store:     st,
		Sessions:  sessions,
		Limiter:   limiter,
		Skills:    skillReg,
		Engine:    engine.New(client, st, emoji, logger.With("component", "engine")),
		Planner:   humanizer.NewPlanner(client, workModel, logger.With("component", "planner")),
		Frequency: humanizer.NewFrequency(cfg.Frequency, logger.With("component", "frequency")),
		Typo:      humanizer.NewTypo(cfg.Typo),
		Retriever: humanizer.NewRetriever(cfg.Memory, st, client, workModel, logger.With("component", "memory")),
		Topics:    humanizer.NewTracker(cfg.Topic, st, client, workModel, logger.With("component", "topics")),
		Learner:   humanizer.NewLearner(cfg.Expression, st, client, workModel, logger.With("component", "expressions")),
		Emoji:     emoji,
		Compactor: humanizer.NewCompactor(st, client, workModel, 4*cfg.HistoryCount, logger.With("component", "compactor")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := emoji.Bootstrap(ctx); err != nil {
		logger.Warn("emoji bootstrap failed", "error", err)
	}

	// Periodic maintenance: prune rate limiter state and expired skill
	// sessions.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 5m", limiter.Cleanup); err != nil {
		return fmt.Errorf("schedule limiter cleanup: %w", err)
	}
	if _, err := sched.AddFunc("@every 10m", skillReg.Sweep); err != nil {
		return fmt.Errorf("schedule skill sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ws := gateway.NewWSClient(cfg.Gateway.URL, cfg.Gateway.AccessToken, nil, logger.With("component", "gateway"))
	deps.Gateway = ws
	ws.SetHandler(dispatch.New(deps))

	logger.Info("mioku starting",
		"build", buildinfo.String(),
		"gateway", cfg.Gateway.URL,
		"model", cfg.Model,
		"data_dir", cfg.DataDir,
	)
	return ws.Run(ctx)
}
