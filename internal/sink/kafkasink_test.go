package sink

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type fakeProducer struct {
	mu         sync.Mutex
	messages   []*kafka.Message
	events     chan kafka.Event
	produceErr error
	remaining  int
	closed     bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan kafka.Event, 4)}
}

func (p *fakeProducer) Produce(msg *kafka.Message, _ chan kafka.Event) error {
	if p.produceErr != nil {
		return p.produceErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakeProducer) Events() chan kafka.Event { return p.events }
func (p *fakeProducer) Flush(int) int            { return p.remaining }
func (p *fakeProducer) Close()                   { p.closed = true }

func TestNewKafkaSinkFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want KafkaConfig
	}{
		{
			name: "defaults",
			env: map[string]string{
				"KAFKA_BROKERS": "", "KAFKA_TOPIC": "", "KAFKA_ACKS": "", "KAFKA_COMPRESSION": "",
				"KAFKA_SASL_MECHANISM": "", "KAFKA_SASL_USER": "", "KAFKA_SASL_PASSWORD": "",
				"KAFKA_TLS_CA": "", "KAFKA_TLS_SKIP_VERIFY": "",
			},
			want: KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "clickgate.assessments", Acks: "all"},
		},
		{
			name: "custom",
			env: map[string]string{
				"KAFKA_BROKERS":         "b1:9092, b2:9092,",
				"KAFKA_TOPIC":           "audit",
				"KAFKA_ACKS":            "1",
				"KAFKA_COMPRESSION":     "zstd",
				"KAFKA_SASL_MECHANISM":  "SCRAM-SHA-256",
				"KAFKA_SASL_USER":       "u",
				"KAFKA_SASL_PASSWORD":   "p",
				"KAFKA_TLS_CA":          "/etc/kafka/ca.pem",
				"KAFKA_TLS_SKIP_VERIFY": "yes",
			},
			want: KafkaConfig{
				Brokers: []string{"b1:9092", "b2:9092"}, Topic: "audit", Acks: "1", Compression: "zstd",
				SASLMechanism: "SCRAM-SHA-256", SASLUser: "u", SASLPassword: "p",
				TLSCAPath: "/etc/kafka/ca.pem", TLSSkipVerify: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnvVars(t, tt.env, func() {
				got := NewKafkaSinkFromEnv().config
				if !reflect.DeepEqual(got, tt.want) {
					t.Errorf("config = %+v, want %+v", got, tt.want)
				}
			})
		})
	}
}

func TestKafkaConfigMap(t *testing.T) {
	tests := []struct {
		name string
		cfg  KafkaConfig
		want map[string]any
		not  []string
	}{
		{
			name: "plain",
			cfg:  KafkaConfig{Brokers: []string{"a:1", "b:2"}, Acks: "all"},
			want: map[string]any{"bootstrap.servers": "a:1,b:2", "acks": "all"},
			not:  []string{"security.protocol", "compression.type"},
		},
		{
			name: "sasl over tls",
			cfg:  KafkaConfig{SASLMechanism: "PLAIN", SASLUser: "u", SASLPassword: "p", TLSCAPath: "/ca.pem"},
			want: map[string]any{"security.protocol": "SASL_SSL", "sasl.mechanism": "PLAIN", "sasl.username": "u", "ssl.ca.location": "/ca.pem"},
		},
		{
			name: "tls only",
			cfg:  KafkaConfig{TLSCAPath: "/ca.pem", TLSSkipVerify: true, Compression: "gzip"},
			want: map[string]any{"security.protocol": "SSL", "ssl.endpoint.identification.algorithm": "none", "compression.type": "gzip"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := (&KafkaSink{config: tt.cfg}).configMap()
			for k, v := range tt.want {
				if cm[k] != v {
					t.Errorf("%s = %v, want %v", k, cm[k], v)
				}
			}
			for _, k := range tt.not {
				if _, ok := cm[k]; ok {
					t.Errorf("%s should not be set", k)
				}
			}
		})
	}
}

func TestKafkaSinkEnqueue(t *testing.T) {
	p := newFakeProducer()
	s := &KafkaSink{config: KafkaConfig{Topic: "audit"}, producer: p}

	if err := s.Enqueue(sampleRecord("as-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(p.messages) != 1 {
		t.Fatalf("messages = %d", len(p.messages))
	}
	msg := p.messages[0]
	if string(msg.Key) != "as-1" || *msg.TopicPartition.Topic != "audit" {
		t.Errorf("key = %q topic = %q", msg.Key, *msg.TopicPartition.Topic)
	}
	var got AuditRecord
	if err := json.Unmarshal(msg.Value, &got); err != nil || got.RequestID != "req-as-1" {
		t.Errorf("value = %s (%v)", msg.Value, err)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "decision" || string(msg.Headers[0].Value) != "real" {
		t.Errorf("headers = %v", msg.Headers)
	}

	p.produceErr = errors.New("queue full")
	if err := s.Enqueue(sampleRecord("as-2")); err == nil {
		t.Error("expected produce error")
	}
}

func TestKafkaSinkNotStarted(t *testing.T) {
	s := NewKafkaSink([]string{"localhost:9092"}, "test")
	err := s.Enqueue(sampleRecord("x"))
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted sink: %v", err)
	}
	if s.Name() != "kafka" {
		t.Errorf("Name() = %q", s.Name())
	}
}

func TestKafkaSinkClose(t *testing.T) {
	p := newFakeProducer()
	s := &KafkaSink{producer: p}
	if err := s.Close(); err != nil || !p.closed {
		t.Errorf("err = %v closed = %v", err, p.closed)
	}

	p = newFakeProducer()
	p.remaining = 3
	s = &KafkaSink{producer: p}
	if err := s.Close(); err == nil || !p.closed {
		t.Errorf("unflushed messages should be reported, err = %v", err)
	}
}

func TestKafkaDeliveryReports(t *testing.T) {
	p := newFakeProducer()
	s := &KafkaSink{producer: p}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.handleDeliveryReports(ctx)
		close(done)
	}()
	topic := "audit"
	p.events <- &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Error: errors.New("broker down")}}
	p.events <- kafka.NewError(kafka.ErrTransport, "transport", false)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery handler did not stop")
	}
}

func TestEnvHelpers(t *testing.T) {
	withEnvVars(t, map[string]string{"SINK_TEST_STR": "", "SINK_TEST_BOOL": "nope", "SINK_TEST_INT": "x"}, func() {
		if got := getEnvOr("SINK_TEST_STR", "d"); got != "d" {
			t.Errorf("getEnvOr = %q", got)
		}
		if got := getBoolEnv("SINK_TEST_BOOL", true); !got {
			t.Error("unparseable bool should use default")
		}
		if got := getIntEnv("SINK_TEST_INT", 7); got != 7 {
			t.Errorf("getIntEnv = %d", got)
		}
	})
	withEnvVars(t, map[string]string{"SINK_TEST_BOOL": "F", "SINK_TEST_INT": "-10"}, func() {
		if getBoolEnv("SINK_TEST_BOOL", true) {
			t.Error("F should parse as false")
		}
		if got := getIntEnv("SINK_TEST_INT", 7); got != -10 {
			t.Errorf("getIntEnv = %d", got)
		}
	})
}
