package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/config"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	app := &cli.App{
		Name:        "terrainctl",
		Usage:       "page, sample and inspect quadtree terrain",
		Description: "loads goterrain.hcl (or --config), a .env file and GOTERRAIN_* variables",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				EnvVars: []string{"GOTERRAIN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides the configured log level",
			},
		},
		Before: setup,
		After: func(*cli.Context) error {
			_ = logger.L().Sync()
			return nil
		},
		Commands: []*cli.Command{
			clampCommand(),
			simulateCommand(),
			snapshotCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and installs the logger before any command
// runs.
func setup(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.Path("config"))
	if err != nil {
		return err
	}
	opts := cfg.LoggerOptions()
	if lvl := ctx.String("log-level"); lvl != "" {
		opts.Level = lvl
	}
	logger.Setup(opts)
	if ctx.App.Metadata == nil {
		ctx.App.Metadata = map[string]interface{}{}
	}
	ctx.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, ok := ctx.App.Metadata[configKey].(*config.Config)
	if !ok {
		return nil, errors.New("terrainctl: configuration not loaded")
	}
	return cfg, nil
}
