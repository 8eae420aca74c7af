package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/mattermost"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	filestore "github.com/nextlevelbuilder/clawgate/internal/store/file"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func runGateway() {
	setupLogging()

	configPath := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", "path", configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", configPath, "hash", cfg.Hash())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without export", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	if err := config.Watch(ctx, configPath, cfg, nil); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	stateDir := cfg.StatePath()
	msgBus := bus.NewMessageBus()
	docks := routing.NewDockRegistry()

	allowFrom := filestore.NewAllowFromStore(stateDir)
	pairing := filestore.NewPairingStore(stateDir, allowFrom)
	sessionMgr := sessions.NewManager(sessionStorageDir(cfg))

	// Agent runtime: external collaborator, consumed through the Runner
	// contract. Without an embedded runtime the gateway still runs pairing,
	// policy gates, and cron bookkeeping.
	var runner agent.Runner = agent.NoopRunner{}
	eventSink := agent.NewQueueEventSink(256)

	// Channels
	channelMgr := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, allowFrom, pairing, docks, channelMgr)

	// Cron scheduler
	runLogCfg := cfg.Cron.RunLog
	cronDir := cfg.StatePath("cron")
	runLog := cron.NewRunLog(cronDir, runLogCfg.MaxBytes, runLogCfg.KeepLines)
	sched := cron.NewScheduler(cron.Deps{
		StorePath:           cron.ResolveStorePath(stateDir, ""),
		EnqueueSystemEvent:  makeSystemEventSink(eventSink),
		RequestHeartbeatNow: eventSink.RequestHeartbeatNow,
		RunIsolatedAgentJob: makeIsolatedJobRunner(cfg, runner, sessionMgr, msgBus),
		OnEvent:             makeCronEventBroadcaster(msgBus),
		Enabled:             cfg.Cron.IsEnabled(),
		MaxConcurrentRuns:   cfg.Cron.MaxConcurrentRuns,
		RunLog:              runLog,
	})

	// Admin surface
	adminServer := gateway.New(cfg, sched, runLog, pairing, allowFrom, channelMgr)

	go consumeInboundMessages(ctx, msgBus, cfg, runner, sessionMgr)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	if err := sched.Start(); err != nil {
		slog.Error("scheduler startup failed", "error", err)
		os.Exit(1)
	}
	if err := adminServer.Start(); err != nil {
		slog.Error("admin server startup failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway running", "state_dir", stateDir)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	_ = adminServer.Stop(shutdownCtx)
	sched.Stop()
	_ = channelMgr.StopAll(shutdownCtx)
	_ = shutdownTelemetry(shutdownCtx)
}

// registerChannels instantiates every enabled channel account.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, allowFrom *filestore.AllowFromStore, pairing *filestore.PairingStore, docks *routing.DockRegistry, mgr *channels.Manager) {
	for channelID := range cfg.Channels {
		for _, accountID := range cfg.ChannelAccountIDs(channelID) {
			resolved := cfg.ResolveChannelAccount(channelID, accountID)
			if !resolved.Enabled {
				continue
			}

			var ch channels.Channel
			var err error
			switch channelID {
			case "mattermost":
				ch, err = mattermost.New(cfg, accountID, msgBus, allowFrom, pairing, docks)
			case "telegram":
				ch, err = telegram.New(cfg, accountID, msgBus, allowFrom, pairing, docks)
			case "discord":
				ch, err = discord.New(cfg, accountID, msgBus, allowFrom, pairing, docks)
			default:
				slog.Warn("unknown channel in config, skipping", "channel", channelID)
				continue
			}
			if err != nil {
				slog.Error("channel init failed", "channel", channelID, "account", accountID, "error", err)
				continue
			}
			mgr.Register(ch)
		}
	}
}

func sessionStorageDir(cfg *config.Config) string {
	if cfg.Session.Store != "" {
		return config.ExpandHome(cfg.Session.Store)
	}
	return cfg.StatePath("sessions")
}

func makeSystemEventSink(sink *agent.QueueEventSink) func(text string, opts cron.SystemEventOpts) {
	return func(text string, opts cron.SystemEventOpts) {
		sink.EnqueueSystemEvent(text, opts.AgentID, opts.SessionKey)
	}
}

func makeCronEventBroadcaster(msgBus *bus.MessageBus) func(ev cron.Event) {
	return func(ev cron.Event) {
		msgBus.Broadcast(bus.Event{
			Name: protocol.EventCron,
			Payload: protocol.CronEventPayload{
				JobID:          ev.JobID,
				Action:         ev.Action,
				Status:         ev.Status,
				Error:          ev.Error,
				RunAtMs:        ev.RunAtMs,
				DurationMs:     ev.DurationMs,
				Delivered:      ev.Delivered,
				DeliveryStatus: ev.DeliveryStatus,
			},
		})
	}
}
