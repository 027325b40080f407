package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventCreated     = "created"
	EventUpdated     = "updated"
	EventDeleted     = "deleted"
	EventReactivated = "reactivated"
)

// Event is published for every change to a schema.
type Event struct {
	Type            string            `json:"type"`
	SchemaID        uuid.UUID         `json:"schemaId"`
	Name            string            `json:"name"`
	Instance        string            `json:"instance"`
	Labels          map[string]string `json:"labels"`
	CooldownSeconds int64             `json:"cooldownSeconds,omitempty"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// NewEventPublisher declares the topic exchange events are published to.
func NewEventPublisher(logger *slog.Logger, channel *amqp.Channel, exchange string) (*EventPublisher, error) {
	err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %q: %v", exchange, err)
	}

	return newEventPublisher(logger, channel, exchange), nil
}

func newEventPublisher(logger *slog.Logger, channel publisher, exchange string) *EventPublisher {
	return &EventPublisher{logger: logger, channel: channel, exchange: exchange}
}

// EventPublisher publishes schema changes to RabbitMQ using routing keys of the form schema.<type>.
type EventPublisher struct {
	logger   *slog.Logger
	exchange string

	mu      sync.Mutex
	channel publisher
}

func (p *EventPublisher) Created(ctx context.Context, schema model.DatabaseSchema) error {
	return p.publish(ctx, newEvent(EventCreated, schema, 0))
}

func (p *EventPublisher) Updated(ctx context.Context, schema model.DatabaseSchema) error {
	return p.publish(ctx, newEvent(EventUpdated, schema, 0))
}

func (p *EventPublisher) Deleted(ctx context.Context, schema model.DatabaseSchema, cooldown time.Duration) error {
	return p.publish(ctx, newEvent(EventDeleted, schema, cooldown))
}

func (p *EventPublisher) Reactivated(ctx context.Context, schema model.DatabaseSchema) error {
	return p.publish(ctx, newEvent(EventReactivated, schema, 0))
}

func newEvent(eventType string, schema model.DatabaseSchema, cooldown time.Duration) Event {
	return Event{
		Type:            eventType,
		SchemaID:        schema.ID,
		Name:            schema.Name,
		Instance:        schema.Instance.InstanceName,
		Labels:          schema.Labels,
		CooldownSeconds: int64(cooldown.Seconds()),
	}
}

func (p *EventPublisher) publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, "schema."+event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event of schema %q: %v", event.Type, event.Name, err)
	}

	p.logger.DebugContext(ctx, "Published event", "type", event.Type, "schema", event.Name)
	return nil
}
