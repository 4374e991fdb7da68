package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mozihq/mozi/internal/agent"
	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/channels"
	"github.com/mozihq/mozi/internal/channels/discord"
	"github.com/mozihq/mozi/internal/channels/local"
	"github.com/mozihq/mozi/internal/channels/telegram"
	"github.com/mozihq/mozi/internal/config"
	"github.com/mozihq/mozi/internal/reminders"
	"github.com/mozihq/mozi/internal/runtime"
	"github.com/mozihq/mozi/internal/sessions"
	"github.com/mozihq/mozi/internal/store/sqlite"
)

func runGateway() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	dbPath := config.ExpandHome(cfg.Database.Path)
	if err := sqlite.Migrate(dbPath); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	queueStore := sqlite.NewQueueStore(db)
	sessionStore := sqlite.NewSessionStore(db)
	reminderStore := sqlite.NewReminderStore(db)

	sessionMgr := sessions.NewManager(sessionStore, nil)
	msgBus := bus.NewMessageBus()

	// Channel adapters.
	channelMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		channelMgr.RegisterChannel(tg.Name(), tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			return fmt.Errorf("discord channel: %w", err)
		}
		channelMgr.RegisterChannel(dc.Name(), dc)
	}
	if cfg.Channels.Local.Enabled {
		lc := local.New(cfg.Channels.Local.PeerID, msgBus)
		channelMgr.RegisterChannel(lc.Name(), lc)
	}

	egress := channels.NewEgress(channelMgr, cfg.Egress.RatePerSec, cfg.Egress.Burst)

	// Handler and kernel.
	continuations := runtime.NewContinuationRegistry()
	reminderSvc := reminders.NewService(reminderStore, nil)
	handler := agent.New(cfg.Agent.ID, reminderSvc, continuations, nil)

	kernel := runtime.NewKernel(queueStore, sessionMgr, continuations,
		runtime.DefaultErrorPolicy(), handler, egress, runtime.Config{
			Mode:          runtime.NormalizeMode(cfg.Queue.Mode),
			CollectWindow: time.Duration(cfg.Queue.CollectWindowMs) * time.Millisecond,
			MaxBacklog:    cfg.Queue.MaxBacklog,
			PollInterval:  time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		}, nil)

	reminderRunner := reminders.NewRunner(reminderStore, kernel,
		time.Duration(cfg.Reminders.PollMs)*time.Millisecond, cfg.Reminders.Batch, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := kernel.Start(ctx); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	reminderRunner.Start(ctx)
	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("gateway running",
		"agent", cfg.Agent.ID,
		"mode", cfg.Queue.Mode,
		"channels", channelMgr.GetEnabledChannels(),
		"running", channelMgr.GetStatus(),
		"db", dbPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumeInbound(gctx, msgBus, kernel)
		return nil
	})

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = channelMgr.StopAll(shutdownCtx)
	reminderRunner.Close()
	kernel.Close()
	_ = g.Wait()

	slog.Info("gateway stopped")
	return nil
}

// consumeInbound drains the bus into the kernel, wrapping each message in an
// envelope. Duplicates are logged at debug and dropped.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, kernel *runtime.Kernel) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		env := bus.Envelope{
			ID:         uuid.NewString(),
			Inbound:    msg,
			ReceivedAt: time.Now().UTC(),
		}
		res, err := kernel.EnqueueInbound(ctx, env)
		if err != nil {
			slog.Error("enqueue inbound", "channel", msg.Channel, "peer", msg.PeerID, "error", err)
			continue
		}
		if res.Deduplicated {
			slog.Debug("inbound deduplicated", "channel", msg.Channel, "message", msg.ID)
		}
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
