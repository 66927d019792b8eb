package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const defaultConfigPath = "./config.yaml"

type options struct {
	configPath string
	configCmd  string
	command    string
	args       []string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("CDCGW_CONFIG"), "path to the gateway YAML config")
	flag.StringVar(&opts.configCmd, "config-cmd", "", "config subcommand: init or validate")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "shorthand for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdcgateway: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	opts.args = flag.Args()
	if len(opts.args) > 0 && opts.args[0] == "connect" {
		opts.command, opts.args = "connect", opts.args[1:]
	}

	if err := run(opts, logger); err != nil {
		logger.Error("cdcgateway failed", "command", opts.commandName(), "error", err)
		os.Exit(1)
	}
}

func (o options) commandName() string {
	switch {
	case o.configCmd != "":
		return "config-" + o.configCmd
	case o.command != "":
		return o.command
	default:
		return "serve"
	}
}

// resolvedConfigPath prefers -config, then a positional path, then the default.
func (o options) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if o.configCmd == "" && o.command == "" && len(o.args) > 0 {
		return o.args[0]
	}
	return defaultConfigPath
}

func run(opts options, logger *slog.Logger) error {
	path := opts.resolvedConfigPath()

	switch opts.configCmd {
	case "":
	case "init":
		if err := runConfigInit(path, os.Stdin, logger); err != nil {
			return fmt.Errorf("config init: %w", err)
		}
		logger.Info("config.initialized", "path", path)
		return nil
	case "validate":
		if err := runConfigValidate(path, logger); err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
		logger.Info("config.valid", "path", path)
		return nil
	default:
		return fmt.Errorf("unknown config command %q (want init or validate)", opts.configCmd)
	}

	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}

	if opts.command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		issuer := cfg.CDC.ResolvedIssuer()
		provider, err := buildProvider(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("cdc discovery for %s: %w", issuer, err)
		}
		if err := runConnect(ctx, logger, provider, nil); err != nil {
			return fmt.Errorf("cdc connectivity for %s: %w", issuer, err)
		}
		logger.Info("connect.ok", "issuer", issuer)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
