package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/config"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/orchestrator"
)

// ChatCommand returns the CLI command that talks to Anne from the
// terminal. Stores are always in memory.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send messages to Anne from the terminal",
		ArgsUsage: "[message]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "user",
				Usage: "User id to act as",
				Value: "local-user",
			},
			&cli.StringFlag{
				Name:  "email",
				Usage: "Email of the user when it is not in the directory",
				Value: "local@spediresicuro.it",
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "Role of the user when it is not in the directory",
				Value: string(acting.RoleUser),
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Workspace id",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id",
				Value: "cli",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup("warn", true)

	ctx := c.Context
	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ac, err := chatActing(ctx, a, c.String("user"), c.String("email"), c.String("role"), c.String("workspace"))
	if err != nil {
		return err
	}

	if c.NArg() > 0 {
		return chatTurn(ctx, a.router, os.Stdout, c.String("session"), ac, strings.Join(c.Args().Slice(), " "))
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := chatTurn(ctx, a.router, os.Stdout, c.String("session"), ac, line); err != nil {
			return err
		}
	}
}

// chatActing resolves the terminal user, preferring the directory entry.
func chatActing(ctx context.Context, a *app, userID, email, role, workspaceID string) (acting.Context, error) {
	s := &acting.Session{UserID: userID, Email: email, Role: acting.Role(role)}
	if u, err := a.directory.User(ctx, userID); err == nil && u != nil {
		s = &acting.Session{UserID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, AccountType: u.AccountType}
	}
	ac, err := a.resolver.Resolve(ctx, s, acting.ResolveOptions{WorkspaceID: workspaceID})
	if err != nil {
		return acting.Context{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return ac, nil
}

func chatTurn(ctx context.Context, p *orchestrator.Router, w io.Writer, sessionID string, ac acting.Context, msg string) error {
	out := p.Process(ctx, orchestrator.Input{
		SessionID: sessionID,
		TraceID:   uuid.NewString(),
		Message:   msg,
		Channel:   "cli",
		Acting:    ac,
	})
	if _, err := fmt.Fprintln(w, out.Message); err != nil {
		return err
	}
	if len(out.Buttons) > 0 {
		titles := make([]string, 0, len(out.Buttons))
		for _, b := range out.Buttons {
			titles = append(titles, "["+b.Title+"]")
		}
		if _, err := fmt.Fprintln(w, strings.Join(titles, " ")); err != nil {
			return err
		}
	}
	return nil
}
