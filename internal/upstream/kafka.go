package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kaldb-io/kaldb/internal/config"
)

// KafkaReader implements LogReader against a Kafka cluster.
type KafkaReader struct {
	cfg config.UpstreamConfig
	log *slog.Logger
}

// NewKafkaReader creates a Kafka-backed log reader.
func NewKafkaReader(cfg config.UpstreamConfig) *KafkaReader {
	return &KafkaReader{
		cfg: cfg,
		log: slog.With("component", "upstream", "topic", cfg.Topic),
	}
}

func (r *KafkaReader) dial(ctx context.Context, partition int) (*kafka.Conn, error) {
	if len(r.cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers configured", ErrUnavailable)
	}
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout())
	defer cancel()

	conn, err := kafka.DialLeader(dialCtx, "tcp", r.cfg.Brokers[0], r.cfg.Topic, partition)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s[%d]: %v", ErrUnavailable, r.cfg.Topic, partition, err)
	}
	return conn, nil
}

// EarliestOffset returns the oldest retained offset for the partition.
func (r *KafkaReader) EarliestOffset(ctx context.Context, partition int) (int64, error) {
	conn, err := r.dial(ctx, partition)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(r.cfg.ReadTimeout()))
	first, err := conn.ReadFirstOffset()
	if err != nil {
		return 0, fmt.Errorf("%w: read first offset: %v", ErrUnavailable, err)
	}
	return first, nil
}

// LatestOffset returns the highest present offset, inclusive. Kafka reports
// the next offset to be produced, hence the -1.
func (r *KafkaReader) LatestOffset(ctx context.Context, partition int) (int64, error) {
	conn, err := r.dial(ctx, partition)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(r.cfg.ReadTimeout()))
	last, err := conn.ReadLastOffset()
	if err != nil {
		return 0, fmt.Errorf("%w: read last offset: %v", ErrUnavailable, err)
	}
	return last - 1, nil
}

// Consume streams messages from start through end inclusive.
func (r *KafkaReader) Consume(ctx context.Context, partition int, start, end int64) (<-chan Message, <-chan error) {
	msgCh := make(chan Message)
	errCh := make(chan error, 1)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   r.cfg.Brokers,
		Topic:     r.cfg.Topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10 << 20,
	})

	go func() {
		defer close(msgCh)
		defer close(errCh)
		defer reader.Close()

		if err := reader.SetOffset(start); err != nil {
			errCh <- fmt.Errorf("%w: seek to %d: %v", ErrUnavailable, start, err)
			return
		}

		for {
			readCtx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout())
			m, err := reader.ReadMessage(readCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- fmt.Errorf("%w: read message: %v", ErrUnavailable, err)
				return
			}

			if m.Offset > end {
				return
			}

			msg := Message{
				Partition: partition,
				Offset:    m.Offset,
				Key:       m.Key,
				Value:     m.Value,
				Timestamp: m.Time,
			}

			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}

			if m.Offset >= end {
				return
			}
		}
	}()

	return msgCh, errCh
}

// Close releases connections. Bounded consumers close their own readers.
func (r *KafkaReader) Close() error { return nil }
