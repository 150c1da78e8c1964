package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher sends AuthEvents to RabbitMQ.  Each call dials, declares the
// fanout exchange and publishes one persistent message; failures are logged
// and returned so callers can ignore them without interrupting the request.
type Publisher struct {
	URL      string
	Exchange string
	Log      logrus.FieldLogger
}

func NewPublisher(url string, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{URL: url, Exchange: AuthEventsExchange, Log: log.WithField("component", "publisher")}
}

func (p *Publisher) Publish(ctx context.Context, ev AuthEvent) error {
	if ev.OccurredAt == "" {
		ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.Log.WithError(err).Warn("marshal event failed")
		return err
	}

	conn, err := amqp.Dial(p.URL)
	if err != nil {
		p.Log.WithError(err).Warn("dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.Log.WithError(err).Warn("channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	return p.publishOn(ctx, ch, ev.Type, body)
}

// publishOn declares the exchange and publishes body on ch.  The event type
// is the routing key; fanout delivers to every bound queue regardless.
func (p *Publisher) publishOn(ctx context.Context, ch channel, eventType string, body []byte) error {
	if err := declareExchange(ch, p.Exchange); err != nil {
		p.Log.WithError(err).Warn("exchange declare failed")
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // survive a broker restart
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.Exchange, eventType, false, false, pub); err != nil {
		p.Log.WithError(err).WithField("event", eventType).Warn("publish failed")
		return err
	}
	return nil
}
