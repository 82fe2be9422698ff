// Package redpanda carries generation jobs between the API server and the
// workers. The producer is transactional so a job record is either durably
// enqueued or not at all; workers consume read-committed.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lumagallery/luma/internal/domain"
)

// TopicGenerate is the topic for generation job dispatch.
const TopicGenerate = "generation-jobs"

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	// Transactions on one client cannot interleave; this serializes them.
	txLock chan struct{}
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "luma-generate-producer")
}

// NewProducerWithTransactionalID allows tests to avoid transactional id
// collisions between concurrent producers.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewProducer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewProducer: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicGenerate, 8, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", TopicGenerate), slog.Any("error", err))
	}
	return &Producer{client: client, txLock: make(chan struct{}, 1)}, nil
}

// EnqueueGenerate publishes the payload inside a transaction. The job id is
// the record key so per-job ordering holds across partitions.
func (p *Producer) EnqueueGenerate(ctx domain.Context, payload domain.GenerateTaskPayload) error {
	return p.EnqueueGenerateToTopic(ctx, payload, TopicGenerate)
}

// EnqueueGenerateToTopic targets a specific topic; tests use unique topics
// for isolation.
func (p *Producer) EnqueueGenerateToTopic(ctx domain.Context, payload domain.GenerateTaskPayload, topic string) error {
	select {
	case p.txLock <- struct{}{}:
		defer func() { <-p.txLock }()
	case <-ctx.Done():
		return ctx.Err()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueGenerate: marshal: %w", err)
	}
	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.EnqueueGenerate: begin: %w", err)
	}

	key := strconv.FormatInt(payload.JobID, 10)
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(key)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.EnqueueGenerate: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.EnqueueGenerate: commit: %w", err)
	}

	slog.Info("generation job enqueued", slog.Int64("job_id", payload.JobID), slog.String("topic", topic))
	return nil
}

// Ping verifies broker connectivity; used by readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=queue.Ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
