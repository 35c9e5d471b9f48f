package events

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(brokers []string, group, topic string) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        group,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // commit after each handled message
		}),
	}
}

// Run reads until ctx is cancelled. Offsets are committed only after the
// handler succeeds; malformed messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	defer c.r.Close()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		log := logrus.WithFields(logrus.Fields{
			"topic":     m.Topic,
			"partition": m.Partition,
			"offset":    m.Offset,
		})

		env, err := DecodeEnvelope(m.Value)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed event")
			c.commit(ctx, m)
			continue
		}

		if err := h(ctx, env); err != nil {
			log.WithError(err).WithField("event_type", env.EventType).Error("Event handler failed")
			// leave uncommitted so the message is redelivered
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.commit(ctx, m)
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Warn("Failed to commit offset")
	}
}
