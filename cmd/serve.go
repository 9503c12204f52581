package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/spediresicuro/anne/internal/api"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/channels/queue"
	"github.com/spediresicuro/anne/internal/channels/telegram"
	"github.com/spediresicuro/anne/internal/channels/whatsapp"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/maintenance"
)

// ServeCommand returns the CLI command that runs the API, the webhooks,
// the outbound queue and the maintenance sweeper.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Anne API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadValidated(c.String("config"))
	if err != nil {
		return err
	}
	if p := c.Int("port"); p > 0 && p <= 65535 {
		cfg.Server.Port = p
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	senders := queue.Senders{}
	var reads api.ReadMarker
	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		client := whatsapp.NewClient(wa.PhoneNumberID, wa.AccessToken, wa.APIVersion)
		senders[channels.WhatsApp] = client
		reads = client
	}
	if tg := cfg.Channels.Telegram; tg.Enabled {
		senders[channels.Telegram] = telegram.NewClient(tg.BotToken)
	}

	opts := queue.Options{
		MaxWorkers: cfg.Queue.MaxWorkers,
		MinDelay:   cfg.Queue.MinDelay,
		PerMinute:  cfg.Queue.PerMinute,
		MaxRetries: cfg.Queue.MaxRetries,
	}
	var outbound queue.Queue
	if cfg.Queue.Backend == "river" {
		outbound, err = queue.NewRiverQueue(a.db.Pool, senders, opts)
		if err != nil {
			return fmt.Errorf("outbound queue: %w", err)
		}
	} else {
		outbound = queue.NewInlineQueue(senders, opts)
	}
	if err := outbound.Start(ctx); err != nil {
		return fmt.Errorf("start outbound queue: %w", err)
	}

	deduper := channels.NewMemoryDeduper(cfg.Channels.DedupTTL)
	limiter := channels.NewSenderLimiter(cfg.Channels.WhatsApp.PerSenderPerMinute)
	server := api.NewServer(api.Options{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		JWTSecret:           cfg.Auth.JWTSecret,
		WhatsAppEnabled:     cfg.Channels.WhatsApp.Enabled,
		WhatsAppAppSecret:   cfg.Channels.WhatsApp.AppSecret,
		WhatsAppVerifyToken: cfg.Channels.WhatsApp.VerifyToken,
		TelegramEnabled:     cfg.Channels.Telegram.Enabled,
		TelegramSecret:      cfg.Channels.Telegram.WebhookSecret,
	}, api.Deps{
		Processor: a.router,
		Resolver:  a.resolver,
		Linker:    a.directory,
		Outbound:  outbound,
		Deduper:   deduper,
		Limiter:   limiter,
		Reads:     reads,
	})

	sweeper, err := maintenance.New(cfg.Maintenance.Schedule, a.locker, a.tasks...)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	sweeper.Add(maintenance.Task{Name: "dedup", Purge: deduper.PurgeExpired})
	sweeper.Add(maintenance.Task{Name: "sender_limits", Purge: limiter.PurgeExpired})
	sweeper.Add(maintenance.Task{Name: "chat_limits", Purge: server.ChatLimiter().PurgeExpired})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	log.Info().
		Str("session_backend", cfg.Session.Backend).
		Str("queue_backend", cfg.Queue.Backend).
		Bool("whatsapp", cfg.Channels.WhatsApp.Enabled).
		Bool("telegram", cfg.Channels.Telegram.Enabled).
		Bool("llm", cfg.LLM.Provider != "").
		Msg("anne starting")

	serveErr := server.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := outbound.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("outbound queue did not drain")
	}
	return serveErr
}
