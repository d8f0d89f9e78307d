package upstream

import (
	"context"
	"errors"
	"testing"
)

func drain(t *testing.T, msgs <-chan Message, errs <-chan error) []Message {
	t.Helper()
	var out []Message
	for msgs != nil || errs != nil {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			out = append(out, m)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("stream error: %v", err)
			}
		}
	}
	return out
}

func TestMemLog_Offsets(t *testing.T) {
	log := NewMemLog()
	log.Produce(0,
		Message{Offset: 10},
		Message{Offset: 11},
		Message{Offset: 15}, // compaction gap
		Message{Offset: 16},
	)
	ctx := context.Background()

	earliest, err := log.EarliestOffset(ctx, 0)
	if err != nil || earliest != 10 {
		t.Errorf("earliest = %d, %v; want 10", earliest, err)
	}
	latest, err := log.LatestOffset(ctx, 0)
	if err != nil || latest != 16 {
		t.Errorf("latest = %d, %v; want 16", latest, err)
	}

	if _, err := log.EarliestOffset(ctx, 5); !errors.Is(err, ErrUnavailable) {
		t.Errorf("empty partition: got %v, want ErrUnavailable", err)
	}
}

func TestMemLog_ConsumeBounded(t *testing.T) {
	log := NewMemLog()
	for i := int64(0); i < 20; i++ {
		log.Produce(0, Message{Offset: i})
	}

	msgs, errs := log.Consume(context.Background(), 0, 5, 9)
	got := drain(t, msgs, errs)

	if len(got) != 5 {
		t.Fatalf("consumed %d messages, want 5", len(got))
	}
	if got[0].Offset != 5 || got[len(got)-1].Offset != 9 {
		t.Errorf("range = [%d, %d], want [5, 9]", got[0].Offset, got[len(got)-1].Offset)
	}
}

func TestMemLog_ConsumeSkipsGaps(t *testing.T) {
	log := NewMemLog()
	log.Produce(0,
		Message{Offset: 1},
		Message{Offset: 3},
		Message{Offset: 7},
	)

	msgs, errs := log.Consume(context.Background(), 0, 0, 10)
	got := drain(t, msgs, errs)
	if len(got) != 3 {
		t.Errorf("consumed %d messages across gaps, want 3", len(got))
	}
}

func TestMemLog_Trim(t *testing.T) {
	log := NewMemLog()
	for i := int64(0); i < 10; i++ {
		log.Produce(0, Message{Offset: i})
	}
	log.Trim(0, 6)

	earliest, err := log.EarliestOffset(context.Background(), 0)
	if err != nil || earliest != 6 {
		t.Errorf("earliest after trim = %d, %v; want 6", earliest, err)
	}
}
