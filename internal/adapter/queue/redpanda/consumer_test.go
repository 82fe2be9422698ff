package redpanda

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lumagallery/luma/internal/domain"
)

type markerStub struct {
	mu     sync.Mutex
	marked []*kgo.Record
}

func (m *markerStub) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, rs...)
}

type handlerStub struct {
	err      error
	payloads []domain.GenerateTaskPayload
}

func (h *handlerStub) Handle(_ domain.Context, payload domain.GenerateTaskPayload) error {
	h.payloads = append(h.payloads, payload)
	return h.err
}

func TestProcessRecordMarksHandledRecord(t *testing.T) {
	marker := &markerStub{}
	handler := &handlerStub{}
	c := &Consumer{marker: marker, handler: handler}

	rec := &kgo.Record{Topic: TopicGenerate, Value: []byte(`{"job_id":7}`)}
	c.processRecord(context.Background(), rec)

	require.Len(t, handler.payloads, 1)
	assert.Equal(t, int64(7), handler.payloads[0].JobID)
	require.Len(t, marker.marked, 1, "a handled record must be marked or the group offset never advances")
	assert.Same(t, rec, marker.marked[0])
}

func TestProcessRecordMarksOnHandlerError(t *testing.T) {
	marker := &markerStub{}
	handler := &handlerStub{err: errors.New("backend down")}
	c := &Consumer{marker: marker, handler: handler}

	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`{"job_id":8}`)})

	require.Len(t, handler.payloads, 1)
	assert.Len(t, marker.marked, 1, "the failure is on the job row; redelivery would not help")
}

func TestProcessRecordMarksPoisonPayload(t *testing.T) {
	marker := &markerStub{}
	handler := &handlerStub{}
	c := &Consumer{marker: marker, handler: handler}

	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`not json`)})

	assert.Empty(t, handler.payloads, "an undecodable payload never reaches the handler")
	assert.Len(t, marker.marked, 1, "poison payloads are marked past, not redelivered forever")
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(nil, "workers", &handlerStub{})
	assert.Error(t, err)

	_, err = NewConsumerWithTopic([]string{"localhost:9092"}, "", "tid", &handlerStub{}, TopicGenerate, 4)
	assert.Error(t, err)
}
