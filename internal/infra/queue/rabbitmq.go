package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// RabbitMediaQueue реализует очередь задач обработки медиа поверх AMQP.
// Доставки персистентные, подтверждение ручное: неуспех возвращает задачу
// в очередь (nack + requeue), что даёт at-least-once семантику.
type RabbitMediaQueue struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      string
	deliveries <-chan amqp091.Delivery
}

var _ domain.MediaTaskQueue = (*RabbitMediaQueue)(nil)

// NewRabbitMediaQueue подключается к AMQP и объявляет durable-очередь.
func NewRabbitMediaQueue(url, queue string) (*RabbitMediaQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitMediaQueue{conn: conn, channel: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitMediaQueue) Enqueue(ctx context.Context, task domain.MediaTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    task.ID,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RabbitMediaQueue) Receive(ctx context.Context) (domain.MediaTask, domain.MediaAckFunc, error) {
	if q.deliveries == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.MediaTask{}, nil, fmt.Errorf("start consumer: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.MediaTask{}, nil, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return domain.MediaTask{}, nil, errors.New("amqp queue: канал доставок закрыт")
		}
		var task domain.MediaTask
		if err := json.Unmarshal(delivery.Body, &task); err != nil {
			// Нечитаемая задача не вернётся в очередь.
			_ = delivery.Nack(false, false)
			return domain.MediaTask{}, nil, fmt.Errorf("decode task: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return task, ack, nil
	}
}

// Close закрывает соединение.
func (q *RabbitMediaQueue) Close() error {
	return q.conn.Close()
}
