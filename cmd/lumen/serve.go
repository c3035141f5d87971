package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/api"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rate        float64
		burst       int64
		queueWait   time.Duration
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the HTTP API",
		Before: setup,
		Flags: commandFlags(
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate",
				Usage:       "requests per second accepted under /v1 (0 = unlimited)",
				Destination: &rate,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "rate limiter burst (default: rate rounded down, at least 1)",
				Destination: &burst,
			},
			&cli.DurationFlag{
				Name:        "queue-wait",
				Usage:       "how long a generate request waits for a running one before 429",
				Value:       10 * time.Second,
				Destination: &queueWait,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyServeConfig(c, fileConfig, &addr, &rate, &burst, &queueWait)
			log := logger.FromContext(ctx)

			res, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = res.Pipeline.Close() }()

			server, err := api.NewServer(res.Pipeline, api.Config{
				Model:     filepath.Base(filepath.Clean(bundleDir)),
				Version:   version.String(),
				Rate:      rate,
				Burst:     int(burst),
				QueueWait: queueWait,
				Logger:    log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "rate", rate, "queue_wait", queueWait)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
