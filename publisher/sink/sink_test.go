package sink

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 || config.Brokers[0] != "localhost:9092" {
		t.Errorf("unexpected brokers %v", config.Brokers)
	}
	if config.BatchSize != DefaultKafkaBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultKafkaBatchSize, config.BatchSize)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if config.WriteTimeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected write timeout %v, got %v", DefaultKafkaWriteTimeout, config.WriteTimeout)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 || sink.writer.BatchBytes != 2048 {
		t.Errorf("batch settings not applied: %d/%d", sink.writer.BatchSize, sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("writer must be synchronous")
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", sink.writer.Balancer)
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers")
	}
}

func TestNatsFactoryRequiresURL(t *testing.T) {
	_, err := natsFromConfig(cfg.SinkConfiguration{Name: "n", Type: "nats"})
	if err == nil {
		t.Error("expected error without nats_url")
	}
}

func TestStreamName(t *testing.T) {
	cases := map[string]string{
		"placement.app.users": "placement_app_users",
		"a.*.>":               "a___",
		"plain":               "plain",
	}
	for in, want := range cases {
		if got := streamName(in); got != want {
			t.Errorf("streamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Publish("placement.app.users", "app.users", []byte(`{"op":"split"}`)); err != nil {
		t.Fatal(err)
	}
	if err := sink.Publish("placement.app", "app", []byte{0x81, 0xa1}); err != nil {
		t.Fatal(err)
	}
	if sink.Published() != 2 {
		t.Errorf("expected 2 published, got %d", sink.Published())
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	var first struct {
		Topic string         `json:"topic"`
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if first.Topic != "placement.app.users" || first.Event["op"] != "split" {
		t.Errorf("unexpected line %s", lines[0])
	}
	var second struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(lines[1], &second); err != nil || second.Event != "81a1" {
		t.Errorf("binary payload not hex encoded: %s", lines[1])
	}

	sink.Close()
	if err := sink.Publish("t", "k", nil); err == nil {
		t.Error("publish after close should fail")
	}
}
