package audit

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaDeadLetter publishes exhausted records to a dead-letter topic so
// an operator can replay them once the audit store recovers.
type KafkaDeadLetter struct {
	writer kafkaWriter
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaDeadLetter(brokers []string, topic string) (*KafkaDeadLetter, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if t := strings.TrimSpace(b); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 || strings.TrimSpace(topic) == "" {
		return nil, errKafkaConfig
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cleaned...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaDeadLetter{writer: w}, nil
}

var errKafkaConfig = kafkaConfigError{}

type kafkaConfigError struct{}

func (kafkaConfigError) Error() string { return "kafka dead-letter requires brokers and topic" }

func (d *KafkaDeadLetter) Reject(ctx context.Context, rec Record, cause error) {
	body, err := json.Marshal(rec)
	if err != nil {
		log.Printf("component=audit event=deadletter_encode_failed record_id=%s err=%v", rec.RecordID, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(rec.RecordID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "cause", Value: []byte(cause.Error())},
		},
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("component=audit event=deadletter_publish_failed record_id=%s err=%v", rec.RecordID, err)
	}
}

func (d *KafkaDeadLetter) Close() error {
	if d == nil || d.writer == nil {
		return nil
	}
	return d.writer.Close()
}

// LogDeadLetter is the fallback sink when no broker is configured. It
// logs the record id and cause only; payloads stay out of logs. Noise
// from a persistently failing store is throttled.
type LogDeadLetter struct {
	Every time.Duration

	mu      sync.Mutex
	lastLog time.Time
	muted   int
}

func (d *LogDeadLetter) Reject(ctx context.Context, rec Record, cause error) {
	every := d.Every
	if every <= 0 {
		every = 10 * time.Second
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if now.Sub(d.lastLog) < every {
		d.muted++
		return
	}
	log.Printf("component=audit event=record_dead_lettered record_id=%s muted_since_last=%d err=%v", rec.RecordID, d.muted, cause)
	d.lastLog = now
	d.muted = 0
}
