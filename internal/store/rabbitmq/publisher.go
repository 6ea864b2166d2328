// Package rabbitmq publishes job envelopes onto the single durable queue
// the dispatcher consumes. Adapted from the teacher's Publisher: the same
// dial/channel/declare/PublishWithContext shape, simplified to one queue
// since this worker's settlement model has no retry/DLQ sub-queues.
package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// JobPayload is the upstream call the worker will perform for this job.
type JobPayload struct {
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body"`
	APIKey string          `json:"api_key"`
}

// JobMessage is the broker envelope the dispatcher decodes.
type JobMessage struct {
	MessageID string     `json:"message_id"`
	BodyHash  string     `json:"body_hash"`
	Payload   JobPayload `json:"payload"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, msg JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
