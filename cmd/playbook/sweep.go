package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/scheduler"
)

func newSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Expire overdue approval requests once and exit",
		Description: "For deployments that drive approval timeouts from an external scheduler " +
			"instead of a resident serve process. Do not run it against a store a serve process owns.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "recover", Usage: "resume interrupted executions before sweeping"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := resolveConfig(command)
			if err != nil {
				return err
			}
			logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			if command.Bool("recover") {
				ids, err := a.orch.Recover(ctx)
				if err != nil {
					logger.Error("recover", slog.Any("error", err))
				}
				fmt.Printf("resumed %d executions\n", len(ids))
			}

			sweeper, err := scheduler.NewSweeper(a.orch, cfg.SweepSchedule, scheduler.WithLogger(logger))
			if err != nil {
				return err
			}
			expired, err := sweeper.Sweep(ctx)
			for _, req := range expired {
				fmt.Printf("%s  execution=%s node=%s status=%s\n", req.ID, req.ExecutionID, req.NodeID, req.Status)
			}
			fmt.Printf("expired %d approval requests\n", len(expired))
			return err
		},
	}
}
