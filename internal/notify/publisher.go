// Package notify forwards internal bus events to the automation-workflow
// and notification collaborators over AMQP. The whole package is optional:
// without a broker URL nothing is wired and the core runs standalone.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire format for fan-out events.
type Envelope struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Publisher sends envelopes to a topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "notify: dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "notify: open channel")
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "notify: declare exchange")
	}
	return &Publisher{conn: conn, exchange: exchange}, nil
}

// Publish sends one event under the given routing key. Delivery is
// best-effort: consumers reconstruct state from the datastore, so a lost
// notification costs a delayed workflow run, not data.
func (p *Publisher) Publish(ctx context.Context, key string, payload interface{}) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "notify: open channel")
	}
	defer ch.Close()

	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       key,
		OccurredAt: time.Now(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "notify: marshal envelope")
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "notify: publish %s", key)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Forward returns an event-bus handler that relays payloads under key,
// logging instead of failing when the broker is unavailable.
func (p *Publisher) Forward(key string) func(payload interface{}) {
	return func(payload interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, key, payload); err != nil {
			zap.L().Warn("notify: forward failed", zap.String("key", key), zap.Error(err))
		}
	}
}
