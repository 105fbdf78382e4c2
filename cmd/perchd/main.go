package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/perch-social/perch/client"
	"github.com/perch-social/perch/discovery"
	"github.com/perch-social/perch/models"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
	"github.com/perch-social/perch/scheduler"
	"github.com/perch-social/perch/server"
	"github.com/perch-social/perch/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "perchd",
		Usage:   "keyword discovery and engagement automation daemon",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/perchd/perch.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for shared search quota state; empty means in-process",
			EnvVars: []string{"PERCH_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "api-base",
			Usage:   "base URL of the upstream graph API",
			Value:   "https://graph.threads.net/v1.0",
			EnvVars: []string{"PERCH_API_BASE"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3900",
			EnvVars: []string{"PERCH_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3901",
			EnvVars: []string{"PERCH_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "search-rate-limit",
			Usage:   "max requests per second to the upstream API",
			Value:   5,
			EnvVars: []string{"PERCH_SEARCH_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "queue-retention-days",
			Usage:   "how long finished queue items are kept before weekly cleanup",
			Value:   30,
			EnvVars: []string{"PERCH_QUEUE_RETENTION_DAYS"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("perchd"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		logger.Info("migrating database")
		if err := db.AutoMigrate(models.All()...); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}

		var quota ratelimit.SearchQuota
		if redisURL := cctx.String("redis-url"); redisURL != "" {
			quota, err = ratelimit.NewRedisSearchQuota(redisURL)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
		} else {
			quota = ratelimit.NewMemSearchQuota()
		}

		limiter := ratelimit.NewLimiter(logger)
		searchClient := client.NewHTTPClient(cctx.String("api-base"), cctx.Int("search-rate-limit"), logger)

		posts := discovery.NewGormstore(db)
		q := queue.NewQueue(queue.NewGormstore(db), posts, logger)
		pipeline := discovery.NewPipeline(searchClient, posts, quota, limiter, q, logger)

		subs := scheduler.NewGormSubscriptions(db)
		accounts := scheduler.NewGormAccounts(db)
		sched := scheduler.NewScheduler(subs, accounts, pipeline, limiter, q,
			cctx.Int("queue-retention-days"), logger)

		// call ceilings track stored follower impressions from the start, not
		// just after the first daily maintenance run
		if all, err := accounts.All(ctx); err == nil {
			for _, account := range all {
				limiter.UpdateImpressions(account.AccountID, account.Impressions)
			}
		}

		srv := server.NewServer(subs, accounts, posts, pipeline, q, limiter, sched, server.Config{
			Logger: logger,
			Bind:   cctx.String("bind"),
		})

		go func() {
			if err := server.RunMetrics(cctx.String("metrics-listen"), logger); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()

		if err := srv.RunAPI(ctx); err != nil {
			return fmt.Errorf("failed to run API service: %w", err)
		}
		return nil
	},
}
