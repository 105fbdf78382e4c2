// Package server exposes the automation engine over HTTP: subscription
// management, ad-hoc discovery, queue control, and rate limit inspection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/perch-social/perch/discovery"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
	"github.com/perch-social/perch/scheduler"
)

type Config struct {
	Logger *slog.Logger
	Bind   string
}

type Server struct {
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger

	subs      *scheduler.GormSubscriptions
	accounts  *scheduler.GormAccounts
	posts     *discovery.Gormstore
	pipeline  *discovery.Pipeline
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
}

func NewServer(subs *scheduler.GormSubscriptions, accounts *scheduler.GormAccounts, posts *discovery.Gormstore, pipeline *discovery.Pipeline, q *queue.Queue, limiter *ratelimit.Limiter, sched *scheduler.Scheduler, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	e := echo.New()
	e.HideBanner = true

	srv := &Server{
		echo:      e,
		logger:    logger,
		subs:      subs,
		accounts:  accounts,
		posts:     posts,
		pipeline:  pipeline,
		queue:     q,
		limiter:   limiter,
		scheduler: sched,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}

	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	e.POST("/accounts", srv.HandleUpsertAccount)
	e.POST("/accounts/:account/subscriptions", srv.HandleCreateSubscription)
	e.GET("/accounts/:account/subscriptions", srv.HandleListSubscriptions)
	e.DELETE("/accounts/:account/subscriptions/:id", srv.HandleDeactivateSubscription)

	e.POST("/accounts/:account/search", srv.HandleSearch)
	e.GET("/accounts/:account/posts", srv.HandleListPosts)
	e.GET("/accounts/:account/posts/trending", srv.HandleTrendingPosts)
	e.GET("/accounts/:account/keywords/performance", srv.HandleKeywordPerformance)

	e.POST("/accounts/:account/queue", srv.HandleEnqueue)
	e.GET("/accounts/:account/queue", srv.HandleListQueue)
	e.POST("/accounts/:account/queue/claim", srv.HandleClaimQueue)
	e.POST("/accounts/:account/queue/auto", srv.HandleAutoQueue)
	e.GET("/queue/retries", srv.HandleRetryCandidates)
	e.GET("/accounts/:account/queue/stats", srv.HandleQueueStats)
	e.POST("/accounts/:account/queue/:id/complete", srv.HandleCompleteItem)
	e.POST("/accounts/:account/queue/:id/fail", srv.HandleFailItem)
	e.POST("/accounts/:account/queue/:id/skip", srv.HandleSkipItem)
	e.POST("/accounts/:account/queue/:id/cancel", srv.HandleCancelItem)

	e.GET("/accounts/:account/ratelimit", srv.HandleRateLimitStatus)
	e.POST("/accounts/:account/automation/trigger", srv.HandleTriggerAutomation)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI serves the API until the context is cancelled or the listener fails.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting API server", "bind", srv.httpd.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown()
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	}
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}

// RunMetrics serves prometheus metrics on its own listener.
func RunMetrics(listen string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("starting metrics server", "bind", listen)
	return http.ListenAndServe(listen, mux)
}
