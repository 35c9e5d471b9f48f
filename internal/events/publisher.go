package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Handler processes one event. Returning nil acknowledges it.
type Handler func(ctx context.Context, env Envelope) error

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// KafkaPublisher queues envelopes and writes them from a single goroutine so
// request handlers never wait on the broker.
type KafkaPublisher struct {
	w      *kafka.Writer
	inbox  chan kafka.Message
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, buffer int) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 256
	}

	p := &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox: make(chan kafka.Message, buffer),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)
	for m := range p.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.w.WriteMessages(ctx, m); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"topic": p.w.Topic,
				"key":   string(m.Key),
			}).Error("Failed to publish event")
		}
		cancel()
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(env.CorrelationID),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()

	<-p.done
	return p.w.Close()
}

// LocalPublisher hands events to in-process handlers. It stands in for Kafka
// when no brokers are configured.
type LocalPublisher struct {
	handlers []Handler
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

func NewLocalPublisher(handlers ...Handler) *LocalPublisher {
	return &LocalPublisher{handlers: handlers}
}

func (p *LocalPublisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	for _, h := range p.handlers {
		p.wg.Add(1)
		go func(h Handler) {
			defer p.wg.Done()
			if err := h(context.Background(), env); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"event_type": env.EventType,
					"event_id":   env.EventID,
				}).Error("Event handler failed")
			}
		}(h)
	}
	return nil
}

// Close waits for in-flight handlers.
func (p *LocalPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
