package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"courtbot/internal/app"
	"courtbot/internal/bot"
	"courtbot/internal/config"
	"courtbot/internal/google"
	"courtbot/internal/lock"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "courtbot",
		Usage: "Book court slots from Telegram and confirm group activities with polls.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Optional config file (yaml, toml or json). Environment variables take precedence."},
		},
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			pollsCommand(),
			pullCommand(),
			serveCommand(),
			webhookCommand(),
			menuCommand(),
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

// buildApp loads the configuration, checks the keys the command needs and
// wires the components.
func buildApp(c *cli.Context, required ...string) (*app.App, *slog.Logger, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Require(required...); err != nil {
		return nil, nil, err
	}
	a, err := app.New(c.Context, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "list", Usage: "list the accounts that already have a token"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("list") {
				accounts, err := google.GetTokenAccounts(cfg.GoogleTokenDir)
				if err != nil {
					return fmt.Errorf("failed to list token files: %w", err)
				}
				for _, name := range accounts {
					fmt.Println(name)
				}
				return nil
			}
			if err := cfg.Require("GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET"); err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Printf("Enter a name for this account (empty for %q): ", cfg.GoogleAccount)
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = cfg.GoogleAccount
			}
			tokenFile := google.TokenPath(cfg.GoogleTokenDir, accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Copy the source calendar into the bookings calendar.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds instead of once."},
		},
		Action: func(c *cli.Context) error {
			a, logger, err := buildApp(c, "SOURCE_CALENDAR_ID")
			if err != nil {
				return err
			}
			defer a.Close()

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
				a.SetSyncDryRun(true)
			}
			run := func(ctx context.Context) error {
				results, err := a.Sync(ctx)
				for _, r := range results {
					logger.Info("Target synced.", "target", r.Target, "added", r.Added, "removed", r.Removed, "kept", r.Kept)
				}
				return err
			}

			if c.IsSet("watch") {
				return every(c.Context, logger, "sync", time.Duration(c.Int("watch"))*time.Second, run)
			}
			logger.Info("Running a single sync cycle.")
			if err := run(c.Context); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func pollsCommand() *cli.Command {
	return &cli.Command{
		Name:  "polls",
		Usage: "Run the activity poll workflow.",
		Subcommands: []*cli.Command{
			{
				Name:  "tick",
				Usage: "Resolve due polls, sweep old records and open the next poll.",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "watch", Value: 300, Usage: "Tick every N seconds instead of once."},
				},
				Action: func(c *cli.Context) error {
					a, logger, err := buildApp(c, "TELEGRAM_TOKEN", "TELEGRAM_GROUP_CHAT_ID")
					if err != nil {
						return err
					}
					defer a.Close()
					if c.IsSet("watch") {
						return every(c.Context, logger, "poll tick", time.Duration(c.Int("watch"))*time.Second, a.Tick)
					}
					return a.Tick(c.Context)
				},
			},
			{
				Name:  "clear",
				Usage: "Delete every stored poll record.",
				Action: func(c *cli.Context) error {
					a, logger, err := buildApp(c, "TELEGRAM_TOKEN", "TELEGRAM_GROUP_CHAT_ID")
					if err != nil {
						return err
					}
					defer a.Close()
					n, err := a.ClearPolls(c.Context)
					if err != nil {
						return err
					}
					logger.Info("Poll records cleared.", "count", n)
					return nil
				},
			},
		},
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Fetch and handle pending Telegram updates (for deployments without a webhook).",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "Keep long-polling until interrupted."},
		},
		Action: func(c *cli.Context) error {
			a, logger, err := buildApp(c, "TELEGRAM_TOKEN")
			if err != nil {
				return err
			}
			defer a.Close()

			for {
				n, err := a.Dispatcher.Pull(c.Context)
				if err != nil {
					if !c.Bool("watch") {
						return err
					}
					logger.Error("Pull failed", "error", err)
					if !sleep(c.Context, 5*time.Second) {
						return nil
					}
				}
				logger.Debug("Updates handled.", "count", n)
				if !c.Bool("watch") || c.Context.Err() != nil {
					return nil
				}
			}
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the webhook and run the scheduled jobs.",
		Action: func(c *cli.Context) error {
			a, logger, err := buildApp(c, "TELEGRAM_TOKEN", "TELEGRAM_GROUP_CHAT_ID", "TELEGRAM_WEBHOOK_SECRET")
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config()

			srv, err := a.Server()
			if err != nil {
				return err
			}

			scheduler := newScheduler(cfg.Location, logger)
			jobs := []struct {
				name, schedule string
				run            func(context.Context) error
			}{
				{"poll tick", cfg.PollSchedule, a.Tick},
				{"sync", cfg.SyncSchedule, func(ctx context.Context) error {
					if a.Syncer == nil {
						return nil
					}
					_, err := a.Sync(ctx)
					return err
				}},
				{"pull", cfg.PullSchedule, func(ctx context.Context) error {
					_, err := a.Dispatcher.Pull(ctx)
					return err
				}},
			}
			for _, job := range jobs {
				if job.schedule == "" {
					continue
				}
				if _, err := scheduler.AddFunc(job.schedule, func() {
					if err := job.run(c.Context); err != nil && !errors.Is(err, lock.ErrNotAcquired) {
						logger.Error("Scheduled job failed", "job", job.name, "error", err)
					}
				}); err != nil {
					return fmt.Errorf("invalid schedule %q for %s: %w", job.schedule, job.name, err)
				}
				logger.Info("Job scheduled.", "job", job.name, "schedule", job.schedule)
			}
			scheduler.Start()
			defer func() { <-scheduler.Stop().Done() }()

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(cfg.HTTPAddr) }()
			select {
			case err := <-errc:
				return err
			case <-c.Context.Done():
			}
			logger.Info("Shutting down.")
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Context), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func webhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "webhook",
		Usage: "Register or remove the Telegram webhook.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Public https URL of POST /telegram/webhook."},
			&cli.BoolFlag{Name: "delete", Usage: "Remove the webhook and switch back to pulling."},
		},
		Action: func(c *cli.Context) error {
			a, logger, err := buildApp(c, "TELEGRAM_TOKEN", "TELEGRAM_WEBHOOK_SECRET")
			if err != nil {
				return err
			}
			defer a.Close()
			if c.Bool("delete") {
				return a.Telegram.DeleteWebhook(c.Context)
			}
			url := c.String("url")
			if !strings.HasPrefix(url, "https://") {
				return errors.New("--url must be an https URL")
			}
			if err := a.Telegram.SetWebhook(c.Context, url, a.Config().WebhookSecret); err != nil {
				return err
			}
			logger.Info("Webhook registered.", "url", url)
			return nil
		},
	}
}

func menuCommand() *cli.Command {
	return &cli.Command{
		Name:  "menu",
		Usage: "Publish the bot command menu.",
		Action: func(c *cli.Context) error {
			a, logger, err := buildApp(c, "TELEGRAM_TOKEN")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Telegram.SetCommands(c.Context, bot.Commands); err != nil {
				return err
			}
			logger.Info("Command menu published.", "commands", len(bot.Commands))
			return nil
		},
	}
}

// every runs fn immediately and then on every tick until ctx is done.
// Failures are logged and do not stop the loop.
func every(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) error {
	logger.Info("Starting watcher.", "job", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			logger.Error("Cycle failed", "job", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// newScheduler skips a job whose previous run is still going, so two pulls
// never read the same offset.
func newScheduler(loc *time.Location, logger *slog.Logger) *cron.Cron {
	return cron.New(cron.WithLocation(loc), cron.WithChain(jobWrappers(logger)...))
}

func jobWrappers(logger *slog.Logger) []cron.JobWrapper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return []cron.JobWrapper{cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
