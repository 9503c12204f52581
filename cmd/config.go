package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/spediresicuro/anne/internal/config"
)

const redacted = "********"

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample anne.toml",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "anne.toml",
					},
				},
				Action: func(c *cli.Context) error {
					out := c.String("output")
					if err := config.InitConfig(out); err != nil {
						return fmt.Errorf("failed to initialize config: %w", err)
					}
					fmt.Printf("Created configuration file at %s\n", out)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check that every enabled feature is configured",
				Action: func(c *cli.Context) error {
					cfg, err := loadValidated(c.String("config"))
					if err != nil {
						return err
					}
					fmt.Printf("Configuration is valid (sessions: %s, queue: %s)\n", cfg.Session.Backend, cfg.Queue.Backend)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration with secrets hidden",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(redact(*cfg))
				},
			},
		},
	}
}

func loadValidated(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// redact blanks every credential. cfg is a copy; Rates is shared but
// holds no secrets.
func redact(cfg config.Config) config.Config {
	for _, s := range []*string{
		&cfg.Database.URL,
		&cfg.Auth.JWTSecret,
		&cfg.LLM.APIKey,
		&cfg.Booking.CourierAPIKey,
		&cfg.Channels.WhatsApp.AccessToken,
		&cfg.Channels.WhatsApp.AppSecret,
		&cfg.Channels.WhatsApp.VerifyToken,
		&cfg.Channels.Telegram.BotToken,
		&cfg.Channels.Telegram.WebhookSecret,
		&cfg.Escalation.SlackToken,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}
