// Package main runs the tier-to-team sync HTTP server with an optional in-process worker and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tiersync/backend/config"
	"github.com/tiersync/backend/internal/admin"
	"github.com/tiersync/backend/internal/app"
	"github.com/tiersync/backend/internal/auth"
	"github.com/tiersync/backend/internal/middleware"
	"github.com/tiersync/backend/internal/oauth"
	"github.com/tiersync/backend/internal/webhooks"
	"github.com/tiersync/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	// Auth
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(auth.NewRepository(a.Pool), jwtService, logger)
	if err := authHandler.EnsureOperator(ctx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		logger.Fatal("bootstrap operator", zap.Error(err))
	}

	// Account linking
	linkService := oauth.NewService(a.Subscribers, oauth.NewProvider(cfg.GitHub), a.GitHub, a.Credentials, a.Queue,
		a.Memberships, a.Settings, a.Redis.Client, logger)
	linkHandler := oauth.NewHandler(linkService, a.Queue, cfg.GitHub.LinkedURL, cfg.GitHub.ErrorURL, logger)

	// Tier changes
	webhookHandler := webhooks.NewHandler(a.Subscribers, a.Queue, cfg.Webhook.Secret, logger)
	webhookHandler.SetRecorder(a.Metrics)

	// Operator endpoints
	adminHandler := admin.NewHandler(a.Settings, a.Credentials, a.Memberships, a.GitHub, a.Subscribers,
		a.Engine, a.Batch, a.Queue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(a.Metrics.Middleware())

	router.GET("/health", func(c *gin.Context) {
		if err := a.Pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := a.Redis.Ping(c.Request.Context()).Err(); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	router.POST("/auth/login", authHandler.Login)
	router.POST("/webhooks/tier-changed", webhookHandler.TierChanged)
	router.GET("/oauth/github/callback", linkHandler.Callback)

	me := router.Group("/me")
	me.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleSubscriber))
	{
		me.GET("/github", linkHandler.Status)
		me.GET("/github/connect", linkHandler.Connect)
		me.POST("/github/disconnect", linkHandler.Disconnect)
	}

	adminGroup := router.Group("/admin")
	adminGroup.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleAdmin))
	{
		adminGroup.GET("/settings", adminHandler.GetSettings)
		adminGroup.PUT("/settings", adminHandler.UpdateSettings)
		adminGroup.GET("/teams", adminHandler.ListTeams)
		adminGroup.POST("/test-connection", adminHandler.TestConnection)
		adminGroup.GET("/subscribers", adminHandler.ListSubscribers)
		adminGroup.POST("/subscribers/:id/sync", adminHandler.SyncSubscriber)
		adminGroup.POST("/subscribers/:id/disconnect", adminHandler.DisconnectSubscriber)
		adminGroup.POST("/sync/bulk", adminHandler.BulkSync)
		adminGroup.GET("/sync/status", adminHandler.SyncStatus)
		adminGroup.POST("/sync/cancel", adminHandler.CancelSync)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Server.RunWorker {
		go a.Processor.Run(workerCtx)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
