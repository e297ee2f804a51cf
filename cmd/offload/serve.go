package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/offload/internal/api"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		flushInterval time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the diagnostics REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "flush-interval",
				Usage:       "minimum spacing of cache flush requests",
				Value:       api.DefaultFlushInterval,
				Destination: &flushInterval,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if fileCfg.ServerAddress != nil && !cmd.IsSet("addr") {
				addr = *fileCfg.ServerAddress
			}

			p, err := openPlugin(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			ids := initAll(ctx, p)

			server := api.NewServer(p, api.Options{Logger: log, FlushInterval: flushInterval})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "backend", p.Backend(), "devices", len(ids))
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
