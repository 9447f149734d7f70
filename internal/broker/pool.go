// Package broker owns ingestion from the message broker: one consumer per
// topic in a shared consumer group, manual offset commits, and the
// at-least-once delivery guarantee.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"dashpulse/internal/config"
	"dashpulse/internal/events"
)

// MessageHandler processes one raw message. A nil return releases the
// message (offset may be committed); an error withholds the commit so the
// message is redelivered.
type MessageHandler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) error
}

// fetcher is the slice of *kafka.Reader the consume loop uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Pool runs one consumer loop per subscribed topic. A slow or failing topic
// never starves the others; each loop is its own goroutine with its own
// reader and offset cursor.
type Pool struct {
	readers map[string]fetcher
	handler MessageHandler
	// backoff is how long a loop pauses after a failed fetch so a down
	// broker is polled, not hammered.
	backoff time.Duration
	wg      sync.WaitGroup
}

const defaultFetchBackoff = time.Second

// NewPool probes the broker and builds one reader per topic. A failed probe
// is fatal to startup: an ingestion core with no broker has no degraded mode.
func NewPool(cfg *config.Config, handler MessageHandler) (*Pool, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", cfg.KafkaBrokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka broker %s unreachable: %w", cfg.KafkaBrokers[0], err)
	}
	_ = conn.Close()

	readers := make(map[string]fetcher, len(events.Topics()))
	for _, topic := range events.Topics() {
		readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   topic,
			// Earliest retained offset on first group join, so a fresh
			// deployment rebuilds state from the full retained stream.
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			// CommitInterval zero means CommitMessages is synchronous; an
			// offset only advances after its message was fully handled.
			CommitInterval: 0,
		})
	}

	return &Pool{readers: readers, handler: handler, backoff: defaultFetchBackoff}, nil
}

// Start launches every consumer loop. Cancelling ctx stops them all; Wait
// blocks until each loop has flushed and closed its reader.
func (p *Pool) Start(ctx context.Context) {
	for topic, r := range p.readers {
		p.wg.Add(1)
		go p.consume(ctx, topic, r)
	}
	log.Printf("broker pool: consuming %d topics", len(p.readers))
}

// Wait blocks until all consumer loops have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, topic string, r fetcher) {
	defer p.wg.Done()
	defer func() {
		if err := r.Close(); err != nil {
			log.Printf("broker pool: closing reader for %s: %v", topic, err)
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			// Transient broker errors are expected; the loop survives
			// them, pausing so an outage does not spin it hot.
			log.Printf("broker pool: fetch on %s failed: %v", topic, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}

		messagesConsumed.WithLabelValues(topic).Inc()
		start := time.Now()
		herr := p.handler.HandleMessage(ctx, topic, msg.Value)
		handleDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())

		if herr != nil {
			// No commit: the message is redelivered once the group
			// rebalances or the service restarts.
			handleErrors.WithLabelValues(topic).Inc()
			log.Printf("broker pool: handling message on %s failed (offset %d kept): %v", topic, msg.Offset, herr)
			continue
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			commitErrors.WithLabelValues(topic).Inc()
			log.Printf("broker pool: commit on %s failed: %v", topic, err)
		}
	}
}
