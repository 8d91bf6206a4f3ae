package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aterekhin/sessionlens/config"
	"github.com/aterekhin/sessionlens/internal/analysis"
	"github.com/aterekhin/sessionlens/internal/llm"
	"github.com/aterekhin/sessionlens/internal/store"
)

// Run wires the full service and serves HTTP until the listener fails.
func Run(cfg *config.Config) error {
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		return err
	}
	if err := Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	provider := llm.NewOpenAIProvider(cfg.LLM)
	broadcaster := analysis.NewBroadcaster()
	orch := analysis.NewOrchestrator(st, provider, broadcaster, cfg.Analysis, cfg.LLM)

	// Redis is optional; without it the reconciler sweep runs unlocked,
	// which is fine for a single replica.
	var rdb *redis.Client
	if cfg.Storage.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
	}
	rec, err := analysis.NewReconciler(st, broadcaster, rdb, cfg.Analysis.CancelGracePeriod, cfg.Analysis.SweepCron)
	if err != nil {
		return err
	}
	// Jobs left active by a previous process can never progress again.
	if err := rec.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	go rec.Run(ctx)

	api := e.Group("/api")
	sh := &SessionsHandler{Store: st}
	sh.Register(api.Group("/sessions"))
	jh := &JobsHandler{Store: st, Orch: orch, StreamTimeout: cfg.Server.StreamTimeout}
	jh.Register(api.Group("/analysis-jobs"))

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the router with the shared middleware and the unified JSON
// error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	return e
}
