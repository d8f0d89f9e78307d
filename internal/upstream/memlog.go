package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemLog is an in-memory LogReader used by tests and local development.
// It models Kafka retention: Trim drops everything below the new earliest
// offset, and offsets may have gaps.
type MemLog struct {
	mu         sync.Mutex
	partitions map[int][]Message
}

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{partitions: make(map[int][]Message)}
}

// Produce appends messages to a partition. Messages must be added in
// ascending offset order.
func (l *MemLog) Produce(partition int, msgs ...Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		m.Partition = partition
		l.partitions[partition] = append(l.partitions[partition], m)
	}
	sort.Slice(l.partitions[partition], func(i, j int) bool {
		return l.partitions[partition][i].Offset < l.partitions[partition][j].Offset
	})
}

// Trim drops all messages with offset < earliest, modelling retention.
func (l *MemLog) Trim(partition int, earliest int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.partitions[partition]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Offset >= earliest })
	l.partitions[partition] = msgs[i:]
}

// EarliestOffset returns the oldest retained offset.
func (l *MemLog) EarliestOffset(ctx context.Context, partition int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.partitions[partition]
	if len(msgs) == 0 {
		return 0, fmt.Errorf("%w: partition %d is empty", ErrUnavailable, partition)
	}
	return msgs[0].Offset, nil
}

// LatestOffset returns the highest present offset, inclusive.
func (l *MemLog) LatestOffset(ctx context.Context, partition int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.partitions[partition]
	if len(msgs) == 0 {
		return 0, fmt.Errorf("%w: partition %d is empty", ErrUnavailable, partition)
	}
	return msgs[len(msgs)-1].Offset, nil
}

// Consume streams the retained messages with start <= offset <= end.
func (l *MemLog) Consume(ctx context.Context, partition int, start, end int64) (<-chan Message, <-chan error) {
	msgCh := make(chan Message)
	errCh := make(chan error, 1)

	l.mu.Lock()
	snapshot := append([]Message(nil), l.partitions[partition]...)
	l.mu.Unlock()

	go func() {
		defer close(msgCh)
		defer close(errCh)

		for _, m := range snapshot {
			if m.Offset < start {
				continue
			}
			if m.Offset > end {
				return
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgCh, errCh
}

// Close implements LogReader.
func (l *MemLog) Close() error { return nil }
