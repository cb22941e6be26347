package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/palisade-social/palisade/palisade"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "palisade",
		Usage:   "moderation decision service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address and port to listen on for HTTP APIs",
			Value:   ":8300",
			EnvVars: []string{"PALISADE_BIND"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgresql://)",
			Value:   "sqlite://data/palisade.sqlite",
			EnvVars: []string{"PALISADE_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"PALISADE_MAX_DB_CONNECTIONS"},
		},
		&cli.IntFlag{
			Name:    "queue-count",
			Usage:   "number of review queues reports are bucketed into",
			Value:   4,
			EnvVars: []string{"PALISADE_QUEUE_COUNT"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "how often to execute due scheduled actions and expire strikes",
			Value:   time.Minute,
			EnvVars: []string{"PALISADE_SWEEP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:     "signing-secret",
			Usage:    "shared HMAC secret for verifying bearer tokens",
			Required: true,
			EnvVars:  []string{"PALISADE_SIGNING_SECRET"},
		},
		&cli.StringSliceFlag{
			Name:    "reason-types",
			Usage:   "accepted report reason types; empty accepts everything",
			EnvVars: []string{"PALISADE_REASON_TYPES"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"PALISADE_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runServer

	return app.Run(args)
}

func runServer(cctx *cli.Context) error {
	logger := configLogger(cctx)
	slog.SetDefault(logger)

	db, err := palisade.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	var reasons *palisade.StaticReasonSource
	if types := cctx.StringSlice("reason-types"); len(types) > 0 {
		reasons = &palisade.StaticReasonSource{Types: types}
	}

	config := palisade.Config{
		Logger:     logger,
		Bind:       cctx.String("bind"),
		QueueCount: cctx.Int("queue-count"),
		Keys:       &palisade.SharedSecretKeys{Secret: []byte(cctx.String("signing-secret"))},
		Pusher:     &palisade.LogPusher{Logger: logger},
	}
	if reasons != nil {
		config.Reasons = reasons
	}

	srv, err := palisade.NewServer(db, config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.RunAPI()
	})
	eg.Go(func() error {
		err := srv.Hub().Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		err := srv.Service().RunSweeper(ctx, cctx.Duration("sweep-interval"))
		if err == context.Canceled {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			logger.Info("received exit signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
		cancel()
		return nil
	})

	return eg.Wait()
}

func configLogger(cctx *cli.Context) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
