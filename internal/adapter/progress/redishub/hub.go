// Package redishub implements the progress hub on Redis pub/sub, so server
// and worker processes share one event plane. Each job has a channel
// progress:{id}; the latest event is mirrored into a plain key so
// subscribers arriving after the terminal transition still get closure.
package redishub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

const (
	lastEventTTL  = 24 * time.Hour
	cancelFlagTTL = 24 * time.Hour
)

// Hub is safe for concurrent use; all state lives in Redis.
type Hub struct {
	rdb *redis.Client
}

// New creates a Hub on an existing Redis client.
func New(rdb *redis.Client) *Hub { return &Hub{rdb: rdb} }

func eventChannel(jobID int64) string { return "progress:" + strconv.FormatInt(jobID, 10) }
func lastEventKey(jobID int64) string { return "progress:last:" + strconv.FormatInt(jobID, 10) }
func cancelKey(jobID int64) string    { return "progress:cancel:" + strconv.FormatInt(jobID, 10) }

// Publish fans the event out and records it as the job's latest. Events for
// one job are published by a single worker goroutine, so per-job ordering is
// the publisher's ordering.
func (h *Hub) Publish(ctx domain.Context, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=progress.Publish: marshal: %w", err)
	}
	if err := h.rdb.Set(ctx, lastEventKey(ev.JobID), payload, lastEventTTL).Err(); err != nil {
		return fmt.Errorf("op=progress.Publish: cache last: %w", err)
	}
	if err := h.rdb.Publish(ctx, eventChannel(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("op=progress.Publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events for the job plus a cancel func the
// caller must invoke when done. If the job already reached a terminal state,
// the channel yields the cached terminal event and closes immediately.
func (h *Hub) Subscribe(ctx domain.Context, jobID int64) (<-chan domain.ProgressEvent, func(), error) {
	// Check the cached event first so late subscribers don't hang on a
	// channel nobody publishes to anymore.
	if ev, ok, err := h.lastEvent(ctx, jobID); err != nil {
		return nil, nil, err
	} else if ok && ev.State.Terminal() {
		out := make(chan domain.ProgressEvent, 1)
		out <- ev
		close(out)
		return out, func() {}, nil
	}

	sub := h.rdb.Subscribe(ctx, eventChannel(jobID))
	// Force the subscription onto the wire before the caller assumes it is
	// receiving; otherwise an event published right after Subscribe returns
	// could be lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=progress.Subscribe: %w", err)
	}
	observability.ProgressSubscribers.Inc()

	out := make(chan domain.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer observability.ProgressSubscribers.Dec()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("progress event decode failed",
						slog.Int64("job_id", jobID), slog.Any("error", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				if ev.State.Terminal() {
					return
				}
			}
		}
	}()

	var cancelled bool
	cancel := func() {
		if cancelled {
			return
		}
		cancelled = true
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

// RequestCancel raises the job's cancel flag; the worker checks it between
// poll iterations.
func (h *Hub) RequestCancel(ctx domain.Context, jobID int64) error {
	if err := h.rdb.Set(ctx, cancelKey(jobID), "1", cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("op=progress.RequestCancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel flag is raised for the job.
func (h *Hub) CancelRequested(ctx domain.Context, jobID int64) (bool, error) {
	n, err := h.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=progress.CancelRequested: %w", err)
	}
	return n > 0, nil
}

func (h *Hub) lastEvent(ctx domain.Context, jobID int64) (domain.ProgressEvent, bool, error) {
	raw, err := h.rdb.Get(ctx, lastEventKey(jobID)).Bytes()
	if err == redis.Nil {
		return domain.ProgressEvent{}, false, nil
	}
	if err != nil {
		return domain.ProgressEvent{}, false, fmt.Errorf("op=progress.Subscribe: last event: %w", err)
	}
	var ev domain.ProgressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.ProgressEvent{}, false, fmt.Errorf("op=progress.Subscribe: decode last: %w", err)
	}
	return ev, true, nil
}
