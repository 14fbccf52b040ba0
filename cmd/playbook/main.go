package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "playbook",
		Usage:                 "Run incident-response playbooks with human approval gates",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Commands: []*cli.Command{
			newServeCommand(),
			newValidateCommand(),
			newSweepCommand(),
			newInitCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "settings file (default: ~/.playbook/settings.json)"},
		&cli.StringFlag{Name: "listen-addr", Usage: "TCP listen address"},
		&cli.StringFlag{Name: "base-url", Usage: "public base URL (derived from listen-addr if empty)"},
		&cli.StringFlag{Name: "transport", Usage: "MCP transport: sse, stdio"},
		&cli.StringFlag{Name: "db-driver", Usage: "store backend: libsql, postgres, memory"},
		&cli.StringFlag{Name: "db-dsn", Usage: "store connection string"},
		&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error"},
		&cli.StringFlag{Name: "log-format", Usage: "log format: text, json"},
		&cli.IntFlag{Name: "pool-size", Usage: "worker pool size"},
		&cli.IntFlag{Name: "max-concurrency", Usage: "default per-execution node concurrency (0 = pool bound only)"},
		&cli.StringFlag{Name: "sweep-schedule", Usage: "cron schedule for approval expiry sweeps"},
		&cli.StringFlag{Name: "notifier", Usage: "approval notifier backend: log, gochannel, kafka"},
		&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka brokers for the kafka notifier"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "separate listen address for /metrics"},
		&cli.StringFlag{Name: "otlp-endpoint", Usage: "OTLP/HTTP trace endpoint (host:port)"},
		&cli.StringFlag{Name: "services-file", Usage: "YAML file declaring webhook services"},
	}
}

// resolveConfig loads the layered config and applies explicitly set flags.
func resolveConfig(command *cli.Command) (Config, error) {
	cfg, err := loadConfig(command.String("config"))
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, command)
	if err := cfg.finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFlags(cfg *Config, command *cli.Command) {
	str := map[string]*string{
		"listen-addr":    &cfg.ListenAddr,
		"base-url":       &cfg.BaseURL,
		"transport":      &cfg.Transport,
		"db-driver":      &cfg.DBDriver,
		"db-dsn":         &cfg.DBDSN,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"sweep-schedule": &cfg.SweepSchedule,
		"notifier":       &cfg.Notifier,
		"metrics-addr":   &cfg.MetricsAddr,
		"otlp-endpoint":  &cfg.OTLPEndpoint,
		"services-file":  &cfg.ServicesFile,
	}
	for name, dst := range str {
		if command.IsSet(name) {
			*dst = command.String(name)
		}
	}
	if command.IsSet("pool-size") {
		cfg.PoolSize = int(command.Int("pool-size"))
	}
	if command.IsSet("max-concurrency") {
		cfg.MaxConcurrency = int(command.Int("max-concurrency"))
	}
	if command.IsSet("kafka-brokers") {
		cfg.KafkaBrokers = command.StringSlice("kafka-brokers")
	}
}
