// Command mcp-sse-server serves the built-in tools over the MCP HTTP+SSE
// transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/mcp-sse-server-go/examples/simple"
	"github.com/ggoodman/mcp-sse-server-go/internal/logging"
	"github.com/ggoodman/mcp-sse-server-go/server"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "host",
		Usage: "Interface to listen on. Overrides HOST.",
	},
	&cli.StringFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to listen on. Overrides PORT (default 8000).",
	},
	&cli.StringFlag{
		Name:  "redis-addr",
		Usage: "Keep session queues in Redis at this address. Overrides REDIS_ADDR.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Usage:   "Set the log level. One of: debug, info, warn, error.",
	},
	&cli.StringFlag{
		Name:  "log-format",
		Usage: "Log output format. One of: auto, json, text, dev.",
	},
}

func main() {
	app := &cli.Command{
		Name:    "mcp-sse-server",
		Usage:   "Serve MCP tools over HTTP with Server-Sent Events",
		Version: simple.ServerVersion,
		Flags:   flags,
		Action:  run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level, format)

	s, err := server.New(cfg,
		server.WithLogger(log),
		server.WithTools(simple.Tools()...),
	)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cli.Command, cfg *server.Config) error {
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		port, err := strconv.Atoi(cmd.String("port"))
		if err != nil {
			return fmt.Errorf("invalid --port %q", cmd.String("port"))
		}
		cfg.Port = port
	}
	if cmd.IsSet("redis-addr") {
		cfg.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	return cfg.Validate()
}
