package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
)

// JobHandler processes one dequeued generation job end to end.
type JobHandler interface {
	Handle(ctx domain.Context, payload domain.GenerateTaskPayload) error
}

// recordMarker is the slice of the kafka client the consumer needs to commit
// progress: with AutoCommitMarks only marked records advance the group offset.
type recordMarker interface {
	MarkCommitRecords(rs ...*kgo.Record)
}

// Consumer reads generation jobs from the topic as part of a consumer group
// and hands them to the handler on a bounded worker pool.
type Consumer struct {
	session *kgo.GroupTransactSession
	marker  recordMarker
	handler JobHandler
	groupID string
	topic   string
	workers int
}

// NewConsumer constructs a Consumer with the default topic and worker count.
func NewConsumer(brokers []string, groupID string, handler JobHandler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, "luma-generate-consumer", handler, TopicGenerate, 4)
}

// NewConsumerWithTopic allows tests to isolate on a unique topic and
// transactional id.
func NewConsumerWithTopic(brokers []string, groupID, transactionalID string, handler JobHandler, topic string, workers int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.NewConsumer: missing group id")
	}
	if workers <= 0 {
		workers = 4
	}

	// Topic creation needs a plain client; the transact session refuses admin
	// requests mid-transaction.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: session: %w", err)
	}

	return &Consumer{
		session: session,
		marker:  session.Client(),
		handler: handler,
		groupID: groupID,
		topic:   topic,
		workers: workers,
	}, nil
}

// Start polls until the context is cancelled. Records fan out onto the
// worker pool; a handler error is logged and the offset still commits, since
// the handler has already recorded the failure on the job row.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer starting",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
		slog.Int("workers", c.workers))

	sem := make(chan struct{}, c.workers)
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer shutting down")
			return ctx.Err()
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(rec *kgo.Record) {
				defer func() { <-sem }()
				c.processRecord(ctx, rec)
			}(record)
		})
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessGenerateJob")
	defer span.End()

	// Mark once processing finishes, whatever the outcome: handler failures
	// are already recorded on the job row and poison payloads never become
	// processable, so redelivering either would not help.
	defer c.marker.MarkCommitRecords(record)

	var payload domain.GenerateTaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		slog.Error("failed to unmarshal job payload",
			slog.Int64("offset", record.Offset),
			slog.Int("partition", int(record.Partition)),
			slog.Any("error", err))
		return
	}

	lg := slog.With(slog.Int64("job_id", payload.JobID))
	lg.Info("processing generation job",
		slog.Int64("offset", record.Offset),
		slog.Int("partition", int(record.Partition)))

	if err := c.handler.Handle(ctx, payload); err != nil {
		lg.Error("generation job failed", slog.Any("error", err))
		return
	}
	lg.Info("generation job processed")
}

// Close closes the underlying session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}
