package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var jsonMarshal = json.Marshal

type EventType string

const (
	EntityCreated EventType = "entity_created"
	EntityUpdated EventType = "entity_updated"
	EntityRetired EventType = "entity_retired"
	EntityDeleted EventType = "entity_deleted"
)

// Event is the audit record published after a committed write.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	Kind       models.Kind     `json:"kind"`
	Key        models.Key      `json:"key"`
	Actor      models.ActorID  `json:"actor"`
	OccurredAt time.Time       `json:"occurred_at"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// MessageKey partitions events by record, so one record's events stay ordered.
func (ev Event) MessageKey() string {
	return string(ev.Kind) + "/" + string(ev.Key)
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer    KafkaWriter
	events    chan Event
	logger    *zap.Logger
	closeChan chan struct{}
	done      chan struct{}
}

func NewProducer(brokers []string, logger *zap.Logger, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	// Create topic if it doesn't exist
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	})
	if err != nil {
		logger.Warn("failed to create topic (may already exist)", zap.Error(err))
	}

	return NewProducerWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		Topic:    topic,
	}, logger, 1000), nil
}

// NewProducerWithWriter starts a producer on an existing writer. queueSize
// bounds the events waiting to be written.
func NewProducerWithWriter(writer KafkaWriter, logger *zap.Logger, queueSize int) *Producer {
	p := &Producer{
		writer:    writer,
		events:    make(chan Event, queueSize),
		logger:    logger.Named("kafka_producer"),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.eventLoop()
	return p
}

// Produce queues an event for entity. It never blocks: when the queue is full
// the event is dropped.
func (p *Producer) Produce(eventType EventType, entity models.Entity, stamp models.Stamp) {
	record, err := jsonMarshal(entity)
	if err != nil {
		p.logger.Error("Failed to serialize record",
			zap.Error(err),
			zap.String("kind", string(entity.Kind())),
			zap.String("key", string(entity.PrimaryKey())),
		)
		return
	}

	event := Event{
		ID:         uuid.New(),
		Type:       eventType,
		Kind:       entity.Kind(),
		Key:        entity.PrimaryKey(),
		Actor:      stamp.Actor,
		OccurredAt: stamp.At,
		Record:     record,
	}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("Kafka producer queue full, dropping event",
			zap.String("event_type", string(eventType)),
			zap.String("key", event.MessageKey()),
		)
	}
}

func (p *Producer) eventLoop() {
	defer close(p.done)
	for {
		select {
		case event := <-p.events:
			p.sendEvent(context.Background(), event)
		case <-p.closeChan:
			// Flush what was queued before Close.
			for {
				select {
				case event := <-p.events:
					p.sendEvent(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (p *Producer) sendEvent(ctx context.Context, event Event) {
	value, err := jsonMarshal(event)
	if err != nil {
		p.logger.Error("Failed to serialize event",
			zap.Error(err),
			zap.String("key", event.MessageKey()),
		)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MessageKey()),
		Value: value,
	})
	if err != nil {
		p.logger.Error("Failed to produce event",
			zap.Error(err),
			zap.String("event_type", string(event.Type)),
			zap.String("key", event.MessageKey()),
		)
	}
}

func (p *Producer) Close() {
	close(p.closeChan)
	<-p.done
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", zap.Error(err))
	}
}

// NopProducer discards events. It stands in when no brokers are configured.
type NopProducer struct{}

func (NopProducer) Produce(EventType, models.Entity, models.Stamp) {}
func (NopProducer) Close()                                          {}
