package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"t3shield/internal/config"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	args := os.Args
	if len(args) == 1 {
		args = append(args, "serve")
	}

	root := &cli.Command{
		Name:    "t3shield",
		Usage:   "Exam fraud monitoring backend",
		Version: version,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			checkConfigCommand(),
			snapshotCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.Run(ctx, args); err != nil {
		log.Fatal(err)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file", Sources: cli.EnvVars("T3SHIELD_CONFIG")},
		&cli.StringFlag{Name: "upstream-url", Usage: "statistics API base URL, overrides the config file", Sources: cli.EnvVars("T3SHIELD_UPSTREAM_URL")},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Sources: cli.EnvVars("T3SHIELD_LOG_LEVEL")},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the cache, live channel and HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address, overrides api.addr"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			mgr, err := loadConfig(c)
			if err != nil {
				return err
			}
			return runServe(ctx, mgr, c.String("addr"))
		},
	}
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the configuration and print it with defaults applied",
		Action: func(ctx context.Context, c *cli.Command) error {
			mgr, err := loadConfig(c)
			if err != nil {
				return err
			}
			return printJSON(mgr.Get())
		},
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Load upstream data once and print filtered counts and statistics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Value: "region", Usage: "entity level to list: region, province, city or center"},
			&cli.BoolFlag{Name: "save", Usage: "persist the snapshot when storage is enabled"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			mgr, err := loadConfig(c)
			if err != nil {
				return err
			}
			return runSnapshot(ctx, mgr, c.String("kind"), c.Bool("save"))
		},
	}
}

// loadConfig reads the config file when one is given. Flag overrides pin the
// config in memory, which turns off hot reload.
func loadConfig(c *cli.Command) (*config.Manager, error) {
	path := strings.TrimSpace(c.String("config"))
	upstreamURL := strings.TrimSpace(c.String("upstream-url"))
	level := strings.TrimSpace(c.String("log-level"))

	if path != "" && upstreamURL == "" && level == "" {
		return config.NewManager(config.ResolvePath(path))
	}
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(config.ResolvePath(path))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if upstreamURL != "" {
		cfg.Upstream.BaseURL = upstreamURL
		cfg.Live.URL = ""
	}
	if level != "" {
		cfg.LogLevel = level
	}
	if err := config.Prepare(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return config.NewStaticManager(cfg), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
