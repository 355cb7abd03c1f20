package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// newFakeQueue builds a Queue against an in-process Pub/Sub fake with the
// topic and subscription already provisioned.
func newFakeQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Logf("fake server close: %v", err)
		}
	})

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
		Name: "projects/test-project/topics/scrape-tasks",
	})
	require.NoError(t, err)

	sub, err := client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  "projects/test-project/subscriptions/scrape-tasks-worker",
		Topic: topic.Name,
	})
	require.NoError(t, err)

	return &Queue{
		client:    client,
		topicName: topic.Name,
		subName:   sub.Name,
		logger:    zap.NewNop(),
		msgs:      make(chan engine.TaskMessage),
		recvDone:  make(chan struct{}),
	}
}

func TestQueueRoundTrip(t *testing.T) {
	q := newFakeQueue(t)
	defer func() { require.NoError(t, q.Close()) }()

	ctx := context.Background()
	sent := engine.TaskMessage{
		JobID:   "job-1",
		JobType: engine.JobTypeSimple,
		Config:  json.RawMessage(`{"urls":["https://example.com"]}`),
	}
	require.NoError(t, q.Enqueue(ctx, sent))

	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := q.Dequeue(recvCtx)
	require.NoError(t, err)
	require.Equal(t, sent.JobID, got.JobID)
	require.Equal(t, sent.JobType, got.JobType)
	require.JSONEq(t, string(sent.Config), string(got.Config))
}

func TestQueueDropsMalformedMessages(t *testing.T) {
	q := newFakeQueue(t)
	defer func() { require.NoError(t, q.Close()) }()

	ctx := context.Background()

	// Raw garbage and a payload without a job ID are both dropped.
	publisher := q.client.Publisher(q.topicName)
	for _, data := range [][]byte{[]byte("not json"), []byte(`{"job_type":"simple"}`)} {
		result := publisher.Publish(ctx, &pubsub.Message{Data: data})
		_, err := result.Get(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, q.Enqueue(ctx, engine.TaskMessage{JobID: "job-2", JobType: engine.JobTypeSimple}))

	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := q.Dequeue(recvCtx)
	require.NoError(t, err)
	require.Equal(t, "job-2", got.JobID)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := newFakeQueue(t)
	defer func() { require.NoError(t, q.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
}
