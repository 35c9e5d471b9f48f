// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/autoparts-backend/internal/cache"
	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/database"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/i18n"
	"github.com/javajoker/autoparts-backend/internal/middleware"
	"github.com/javajoker/autoparts-backend/internal/router"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	telemetry.ConfigureLogging(cfg.Environment, cfg.LogLevel)

	shutdownTracing, err := telemetry.Initialize(cfg.Tracing, router.Version)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.RunMigrations(db); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}

	if err := database.SeedInitialData(db, cfg.Seed); err != nil {
		logrus.WithError(err).Fatal("Failed to seed initial data")
	}

	// Initialize i18n
	if err := i18n.Initialize(cfg.I18n.DefaultLocale); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize i18n")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := cache.NewClient(startCtx, cfg.Redis)
	cancelStart()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to redis")
	}
	store := cache.NewStore(rdb)

	notifications := services.NewNotificationService(db, cfg.Email)

	// Order events go to Kafka when brokers are configured. Otherwise they
	// are delivered in process.
	var publisher events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, 0)
		logrus.WithField("topic", cfg.Kafka.OrderTopic).Info("Publishing order events to Kafka")
	} else {
		publisher = events.NewLocalPublisher(notifications.HandleOrderEvent)
	}

	svc, err := router.NewServices(db, cfg, store, publisher)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	policies := middleware.NewPolicies(cfg.RateLimit)

	// Initialize router
	r := router.Initialize(db, cfg, svc, policies)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	policies.Close()
	if err := publisher.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to flush order events")
	}
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close redis")
	}
	if err := shutdownTracing(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to flush traces")
	}

	logrus.Info("Server exited")
}
