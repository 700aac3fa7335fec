package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pierrebglinux/dscprotect/internal/bootstrap"
	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/logging"
)

func main() {
	app := cli.App{
		Name:  "dscprotect",
		Usage: "abuse detection and remediation for Discord guilds",
	}
	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "connect to the gateway and protect every guild the bot is in",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"c"},
					Usage:   "path to the JSON config file",
					Value:   "config.json",
					EnvVars: []string{"DSCPROTECT_CONFIG"},
				},
				&cli.StringFlag{
					Name:  "db",
					Usage: "override the SQLite database path",
				},
				&cli.StringFlag{
					Name:  "log-level",
					Usage: "override the log level (debug, info, warn, error)",
				},
			},
			Action: runBot,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runBot(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}
	if db := cctx.String("db"); db != "" {
		cfg.Database.Path = db
	}
	if level := cctx.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Bot.Token == "" {
		return fmt.Errorf("no bot token: set bot.token or DISCORD_TOKEN")
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bootstrap.New(cfg)
	if err := b.Initialize(ctx); err != nil {
		return err
	}
	logging.Info("Starting dscprotect with token %s", logging.MaskToken(cfg.Bot.Token))

	return b.Run(ctx)
}
