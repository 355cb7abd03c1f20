// Package pubsub implements the task queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
)

// Queue is the Pub/Sub-backed task queue. Delivery is at-least-once; the
// downstream finalize path is idempotent per job ID, so redelivery is safe.
type Queue struct {
	client    *pubsub.Client
	topicName string
	subName   string
	logger    *zap.Logger

	startOnce  sync.Once
	msgs       chan engine.TaskMessage
	recvCancel context.CancelFunc
	recvDone   chan struct{}
}

// New creates a Pub/Sub client bound to the given topic and subscription.
// It authenticates using Google Cloud's Application Default Credentials.
func New(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Queue{
		client:    client,
		topicName: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID),
		subName:   fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subscriptionID),
		logger:    logger,
		msgs:      make(chan engine.TaskMessage),
		recvDone:  make(chan struct{}),
	}, nil
}

// Enqueue publishes a task and waits for the broker acknowledgement. A task
// message that is not confirmed is a lost job, so this is not fire-and-forget.
func (q *Queue) Enqueue(ctx context.Context, msg engine.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	publisher := q.client.Publisher(q.topicName)
	result := publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task for job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue returns the next task message. The first call starts the streaming
// subscriber; messages are acknowledged once handed to the caller.
func (q *Queue) Dequeue(ctx context.Context) (engine.TaskMessage, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return engine.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case msg, ok := <-q.msgs:
		if !ok {
			return engine.TaskMessage{}, fmt.Errorf("subscription %s closed", q.subName)
		}
		return msg, nil
	}
}

func (q *Queue) startReceiving() {
	recvCtx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel

	subscriber := q.client.Subscriber(q.subName)
	go func() {
		defer close(q.recvDone)
		defer close(q.msgs)
		err := subscriber.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			var task engine.TaskMessage
			if err := json.Unmarshal(m.Data, &task); err != nil || task.JobID == "" {
				// Malformed payloads would redeliver forever; drop them.
				q.logger.Warn("dropping malformed task message", zap.Error(err))
				metrics.ObserveQueueMessage("malformed")
				m.Ack()
				return
			}
			select {
			case q.msgs <- task:
				metrics.ObserveQueueMessage("delivered")
				m.Ack()
			case <-recvCtx.Done():
				m.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive terminated", zap.Error(err))
		}
	}()
}

// Close stops the subscriber and closes the underlying client connection.
func (q *Queue) Close() error {
	if q.recvCancel != nil {
		q.recvCancel()
		<-q.recvDone
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
