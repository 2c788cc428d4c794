package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/middlewares"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/mmdatafocus/garage_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// correlationId tags every request; coordinator outbox rows carry it.
func correlationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// readinessGate answers 503 until the database and the coordinator are up.
func readinessGate(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// production requires an explicit allowlist; anything else allows all origins
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			cfg.AllowOrigins = []string{}
		} else {
			cfg.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "Idempotency-Key", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "x-correlation-id")
	cfg.AllowCredentials = true
	return cfg
}

// registerRoutes mounts the API. Everything except login expects the session
// middleware to have put a caller on the context.
func registerRoutes(r gin.IRouter, coord *workflow.Coordinator, logger *logrus.Logger) {
	r.POST("/login", loginHandler(coord))

	api := r.Group("/api", middlewares.RequireSession())
	api.POST("/logout", logoutHandler())
	api.POST("/users", saveUserHandler(coord))
	api.GET("/departments/:department/workers", departmentWorkersHandler(coord))

	api.GET("/jobs", listJobsHandler(coord))
	api.POST("/jobs", createJobHandler(coord))
	api.GET("/jobs/:id", getJobHandler(coord))
	registerJobEvents(api, coord)
	api.GET("/jobs/:id/activities", listActivitiesHandler(coord))
	api.POST("/jobs/:id/activities", appendActivityHandler(coord))
	api.GET("/jobs/:id/activities/stream", streamActivitiesHandler(coord, logger))
	api.POST("/jobs/:id/link/propose", proposeLinkHandler(coord))
	api.POST("/jobs/:id/link/confirm", confirmLinkHandler(coord))
	api.POST("/jobs/:id/replace/propose", proposeReplaceHandler(coord))
	api.POST("/jobs/:id/replace/confirm", confirmReplaceHandler(coord))

	api.POST("/documents", issueDocumentHandler(coord))
	api.PUT("/documents/:id/items", updateDocumentItemsHandler(coord))
	registerDocumentEvents(api, coord)
	api.DELETE("/documents/:id", deleteDocumentHandler(coord))

	api.GET("/reports/backlog", jobBacklogHandler(coord))
	api.GET("/reports/receivable-aging", receivableAgingHandler(coord))
	api.GET("/reports/cash-flow", cashFlowHandler(coord))
	api.GET("/reports/export.xlsx", exportDashboardHandler(coord))

	api.POST("/internal/ops/outbox/replay", outboxReplayHandler(coord))
}

// newCoordinator wires the engine onto the connected database. Redis, when
// present, carries live updates across instances and the per-job locks.
func newCoordinator(logger *logrus.Logger) (*workflow.Coordinator, store.Bus) {
	var bus store.Bus = store.NewMemoryBus()
	if rdb := config.GetRedisDB(); rdb != nil {
		redisBus, err := store.NewRedisBus(rdb, "garage", logger)
		if err != nil {
			config.LogError(logger, "main", "newCoordinator", "redis bus", nil, err)
		} else {
			bus = redisBus
		}
	}
	st := store.New(config.GetDB(), bus, store.NewSystemClock(), logger)
	coord := workflow.NewCoordinator(st, models.RolePermissionProvider{}, config.LoadEngineSettings(), config.GetRedisLock(), logger)
	return coord, bus
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The port opens before dependencies connect; the gate holds requests until ready.
	var ready atomic.Bool
	coord := &workflow.Coordinator{}

	r := gin.New()
	r.Use(correlationId())
	r.Use(readinessGate(&ready))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limiter := middlewares.NewRateLimiter(config.GetRedisDB,
			int64(envInt("RATE_LIMIT_MAX_REQUESTS", 600)),
			time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second,
			logger)
		r.Use(limiter.Middleware())
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	registerRoutes(r, coord, logger)
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	redisUp := config.ConnectRedisWithRetry(envInt("REDIS_CONNECT_ATTEMPTS", 5))

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; SKIP_MIGRATIONS=true leaves it to a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("auto migrate failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engine, bus := newCoordinator(logger)
	*coord = *engine
	ready.Store(true)

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.PubSubConfigured() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("pubsub not configured; outbox events stay PENDING")
	}

	logger.WithFields(logrus.Fields{
		"info":  "Connection Established",
		"redis": redisUp,
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop background work before draining requests
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if err := bus.Close(); err != nil {
		config.LogError(logger, "main", "main", "close bus", nil, err)
	}
	if err := config.ClosePubSub(); err != nil {
		config.LogError(logger, "main", "main", "close pubsub", nil, err)
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

