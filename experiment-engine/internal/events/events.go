package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	TypeExperimentCreated   = "experiment.created"
	TypeExperimentUpdated   = "experiment.updated"
	TypeExperimentStarted   = "experiment.started"
	TypeExperimentStopped   = "experiment.stopped"
	TypeExperimentCompleted = "experiment.completed"
	TypeWinnerPromoted      = "experiment.winner_promoted"
	TypeHarmAutoStopped     = "experiment.harm_auto_stopped"
	TypeOutcomeRecorded     = "outcome.recorded"
)

// Event is the envelope written to the experiment event stream.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	ExperimentID uuid.UUID       `json:"experimentId"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a marshalled payload. A payload that cannot be
// marshalled is dropped from the envelope.
func New(eventType string, experimentID uuid.UUID, payload interface{}) Event {
	ev := Event{
		ID:           uuid.New(),
		Type:         eventType,
		ExperimentID: experimentID,
		OccurredAt:   time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

// MemoryPublisher keeps published events in order; used by tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the event types published so far, in order.
func (m *MemoryPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrQueueFull is returned by KafkaPublisher.Publish when the delivery
// buffer has no room. The event is dropped.
var ErrQueueFull = errors.New("kafka: publish queue full")

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("kafka: publisher closed")

// KafkaConfig contains configurable parameters for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts uint
	// WriteTimeout is the per-attempt timeout. Defaults to 5s.
	WriteTimeout time.Duration
	// RetryDelay is the initial backoff between attempts. Defaults to 100ms.
	RetryDelay time.Duration
	// QueueSize bounds the events waiting for delivery. Defaults to 1024.
	QueueSize int
	// OnError is called from the delivery goroutine for every event that
	// could not be written after all attempts.
	OnError func(Event, error)
}

// KafkaPublisher writes events keyed by experiment id so that all events for
// one experiment land on the same partition. Publish only enqueues; a single
// background goroutine delivers in order with retries.
type KafkaPublisher struct {
	writer       messageWriter
	attempts     uint
	writeTimeout time.Duration
	delay        time.Duration
	onError      func(Event, error)

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.OnError == nil {
		cfg.OnError = func(Event, error) {}
	}
	p := &KafkaPublisher{
		writer:       w,
		attempts:     cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		delay:        cfg.RetryDelay,
		onError:      cfg.OnError,
		queue:        make(chan Event, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues ev without waiting for the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.deliver(context.Background(), ev); err != nil {
			p.onError(ev, err)
		}
	}
}

func (p *KafkaPublisher) deliver(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ExperimentID.String()),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	err = retry.Do(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(attemptCtx, msg)
	},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("publish %s failed after %d attempts: %w", ev.Type, p.attempts, err)
	}
	return nil
}

// Close stops accepting events, waits for queued events to be delivered and
// then closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
