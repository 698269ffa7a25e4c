package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"primamateria.systems/propsd/internal/propsd"
)

var Version string

func main() {
	cliflags := make(map[string]any)
	ctx := context.Background()

	var configFile string

	app := &cli.Command{
		Name:  "propsd",
		Usage: "Serve merged dynamic properties from S3, instance metadata, and consul",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Specified TOML config file",
				Required:    false,
				Destination: &configFile,
				Aliases:     []string{"c"},
				Sources:     cli.EnvVars("PROPSD_CONFIG"),
				Action: func(ctx context.Context, cCtx *cli.Command, v string) error {
					if v == "" {
						return errors.New("config file passed without value")
					}
					if _, err := os.Stat(v); err != nil && os.IsNotExist(err) {
						return errors.New("config file not found")
					} else if err != nil {
						return err
					}
					return nil
				},
			},
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "Index bucket",
				Required: false,
				Aliases:  []string{"b"},
				Action: func(ctx context.Context, cm *cli.Command, v string) error {
					cliflags["index.bucket"] = v
					return nil
				},
			},
			&cli.BoolFlag{
				Name:     "debug",
				Usage:    "Enable debug logging",
				Required: false,
				Sources:  cli.EnvVars("PROPSD_DEBUG"),
				Action: func(ctx context.Context, cm *cli.Command, b bool) error {
					cliflags["debug"] = b
					return nil
				},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "Dump active config",
				Action: func(ctx context.Context, cCtx *cli.Command) error {
					k, err := LoadConfigs(ctx, configFile, cliflags)
					if err != nil {
						return err
					}
					c, err := propsd.NewConfig(k)
					if err != nil {
						log.Fatal(err)
					}
					fmt.Println(c)
					return nil
				},
			},
			{
				Name:  "server",
				Usage: "Start the property server",
				Action: func(_ context.Context, cCtx *cli.Command) error {
					k, err := LoadConfigs(ctx, configFile, cliflags)
					if err != nil {
						return err
					}
					c, err := propsd.NewConfig(k)
					if err != nil {
						return fmt.Errorf("error parsing config: %w", err)
					}
					if err := c.Validate(); err != nil {
						return fmt.Errorf("error validating config: %w", err)
					}
					setupLogger(c)

					daemon, err := propsd.New(c, Version)
					if err != nil {
						return err
					}
					runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
					defer stop()
					return daemon.Run(runCtx)
				},
			},
			{
				Name:  "version",
				Usage: "show version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("propsd version %v\n", Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
