// cmd/notifier/main.go consumes order events from Kafka and sends the
// customer emails.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/database"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/services"
	"github.com/javajoker/autoparts-backend/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	telemetry.ConfigureLogging(cfg.Environment, cfg.LogLevel)

	if len(cfg.Kafka.Brokers) == 0 {
		logrus.Fatal("KAFKA_BROKERS is required for the notifier")
	}

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	notifications := services.NewNotificationService(db, cfg.Email)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"topic": cfg.Kafka.OrderTopic,
		"group": cfg.Kafka.ConsumerGroup,
	}).Info("Notifier started")

	consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.OrderTopic)
	if err := consumer.Run(ctx, notifications.HandleOrderEvent); err != nil {
		logrus.WithError(err).Error("Consumer stopped")
		return
	}

	logrus.Info("Notifier exited")
}
