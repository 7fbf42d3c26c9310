package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/rts/internal/diag"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		stepEvery   time.Duration
	)

	return &cli.Command{
		Name:      "serve",
		Usage:     "Run a simulated device and serve its diagnostics over HTTP",
		ArgsUsage: "[workload.yaml]",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8090",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "step-every",
				Usage:       "how often the simulated device executes queued sqes",
				Value:       10 * time.Millisecond,
				Destination: &stepEvery,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyDeviceConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr)
			log := logger.FromContext(ctx)

			var w *Workload
			if cmd.Args().Len() > 0 {
				wl, err := LoadWorkload(cmd.Args().First())
				if err != nil {
					return err
				}
				w = &wl
			}
			r, err := newRig(log, w)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var wg sync.WaitGroup
			wg.Go(func() {
				if err := r.dev.Run(ctx, pollInterval); err != nil {
					log.Error("poll loop stopped", "error", err)
				}
			})
			wg.Go(func() {
				t := time.NewTicker(stepEvery)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						r.drv.Step()
					}
				}
			})
			defer wg.Wait()

			if w != nil {
				outcomes, err := runWorkload(ctx, r, *w, "")
				if err != nil {
					return err
				}
				log.Info("workload finished", "tasks", len(outcomes), "fault", r.dev.Fault().Type)
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			diag.NewServer(r.dev).Register(e)
			log.Info("starting diagnostics server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			err = sc.Start(ctx, e)
			cancel()
			return err
		},
	}
}
