package main

import (
	"context"

	"github.com/samcharles93/rts/internal/logger"
	"github.com/urfave/cli/v3"
)

func dumpCmd() *cli.Command {
	var output string

	return &cli.Command{
		Name:      "dump",
		Usage:     "Submit a yaml workload without executing it and capture the SQs",
		ArgsUsage: "<workload.yaml>",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "capture file",
				Value:       "sq.sqd",
				Destination: &output,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("dump needs exactly one workload file", 2)
			}
			applyDeviceConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)

			w, err := LoadWorkload(cmd.Args().First())
			if err != nil {
				return err
			}
			r, err := newRig(log, &w)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			sub, err := submitWorkload(ctx, r, w)
			if err != nil {
				return err
			}
			if err := writeCapture(r, output); err != nil {
				return err
			}
			log.Info("sq capture written", "path", output, "streams", len(sub.sids), "tasks", len(sub.tasks))
			return nil
		},
	}
}
