package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(Config{Topic: "probe-events"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewPublisher(Config{Brokers: []string{"127.0.0.1:9092"}})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	_, err = NewPublisher(Config{Brokers: []string{" ", "\t"}, Topic: "probe-events"})
	if err == nil {
		t.Fatal("expected error when brokers are blank")
	}
}

func TestNewPublisherTrimsBrokerList(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(Config{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "probe-events",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if pub == nil {
		t.Fatal("expected publisher")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	if err := nilPub.Publish(context.Background(), "k", map[string]int{"a": 1}); err != nil {
		t.Fatalf("expected nil publish to be no-op, got: %v", err)
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestPublishEncodesJSON(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	pub := &Publisher{writer: w}
	err := pub.Publish(context.Background(), "batch", map[string]any{"processed": 12})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "batch" {
		t.Fatalf("unexpected key: %s", w.msgs[0].Key)
	}
	if !strings.Contains(string(w.msgs[0].Value), `"processed":12`) {
		t.Fatalf("unexpected value: %s", w.msgs[0].Value)
	}
}

func TestPublishPropagatesWriteError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("broker down")
	pub := &Publisher{writer: &fakeKafkaWriter{err: wantErr}}
	if err := pub.Publish(context.Background(), "k", 1); !errors.Is(err, wantErr) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := &Publisher{writer: &fakeKafkaWriter{}}
	if err := pub.Publish(context.Background(), "k", func() {}); err == nil {
		t.Fatal("expected encode error")
	}
}
