package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/catalog"
	"github.com/edirooss/zmux-mixer/internal/config"
	"github.com/edirooss/zmux-mixer/internal/http/handler"
	mw "github.com/edirooss/zmux-mixer/internal/http/middleware"
	"github.com/edirooss/zmux-mixer/internal/infrastructure/processmgr"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/internal/repo"
	"github.com/edirooss/zmux-mixer/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "zmux-mixer.yaml", "path to the YAML config file")
	envFile    = flag.String("env", ".env", "optional env file with ZMUX_* overrides")
)

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Load config
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(cfg.Server.Dev)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Engine
	m := metrics.New()
	cat, err := catalog.LoadFile(log, cfg.Catalog.Path, cfg.Catalog.Debounce)
	if err != nil {
		log.Fatal("catalog load failed", zap.Error(err))
	}

	deps := service.Deps{
		Executor:  processmgr.NewExecutor(log, processmgr.ExecutorConfig{Binary: cfg.FFmpeg.Path, StopGrace: cfg.FFmpeg.StopGrace}),
		Arbiter:   arbiter.New(log, cfg.Arbiter, m),
		Catalog:   cat,
		Endpoints: pipeline.NewEndpointAllocator(cfg.FFmpeg.Group, cfg.FFmpeg.BasePort, cfg.FFmpeg.Ports),
		Metrics:   m,
	}

	var rpo *repo.Repository
	if cfg.Redis.Enabled {
		rpo = repo.NewRepository(log, cfg.Redis)
		defer rpo.Close()
		if err := rpo.Client().Ping(ctx); err != nil {
			log.Warn("redis unreachable; status writes are best effort", zap.Error(err))
		}
		deps.Status = rpo.Status
	}

	svc, err := service.NewStudioService(log, cfg.Config, deps)
	if err != nil {
		log.Fatal("studio service creation failed", zap.Error(err))
	}

	if cfg.Catalog.Watch {
		go func() {
			if err := cat.Watch(ctx, func(snap catalog.Snapshot) { svc.ApplyCatalog(ctx, snap) }); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("catalog watch stopped", zap.Error(err))
			}
		}()
	}
	go svc.Autostart(ctx)

	// Create Gin router
	if !cfg.Server.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if cfg.Server.Dev { // Enable CORS for local dashboard dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "Location"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
				FrameDeny:          true,
				ContentTypeNosniff: true,
			}))
		}

		r.Use(accessLog(log.Named("http"))) // Observability (logger, metrics)
		r.Use(mw.Instrument(m))

		r.Use(func(c *gin.Context) {
			// Control requests are small JSON documents; cap the body at 1MB.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
		r.GET("/metrics", gin.WrapH(m.Handler()))

		api := r.Group("/api", mw.LimitConcurrentRequests(cfg.Server.MaxConcurrentRequests))
		handler.NewStudioHandler(log, svc).Register(api)
	}

	httpsrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
		// No WriteTimeout: start and scene switch requests wait on pipeline
		// readiness and are bounded by the engine's own timeouts.
	}

	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr), zap.String("version", config.Version))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpsrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Shutdown(sctx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("zmux-mixer %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}

		fields := []zap.Field{
			zap.String("request_id", mw.GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if err := errors.Join(errs...); err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		case route == "/api/ping" || route == "/metrics":
			log.Debug("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger(dev bool) *zap.Logger {
	if !dev {
		logConfig := zap.NewProductionConfig()
		logConfig.EncoderConfig.TimeKey = "ts"
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logConfig.DisableStacktrace = true
		return zap.Must(logConfig.Build())
	}
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
