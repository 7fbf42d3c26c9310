package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samcharles93/rts/internal/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "rtsctl",
		Usage: "Drive and inspect the NPU runtime core",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg := LoadConfig()
			applyLogConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			var log logger.Logger
			switch logFormat {
			case "json":
				log = logger.JSON(os.Stderr, logger.ParseLevel(level))
			default:
				log = logger.Pretty(os.Stderr, logger.ParseLevel(level))
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			simulateCmd(),
			serveCmd(),
			decodeCmd(),
			dumpCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
