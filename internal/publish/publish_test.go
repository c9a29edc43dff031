package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/model"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out kgo.ProduceResults
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func sampleEntry() *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:            "e1",
		Timestamp:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Operation:     model.OperationUpdate,
		ResourceType:  model.ResourcePage,
		ResourceID:    "p1",
		ChainScope:    "stream:s1",
		ChainPosition: 7,
		PreviousHash:  "prev",
		EventHash:     "hash7",
	}
}

func TestKafka_PublishKeysByScope(t *testing.T) {
	p := &fakeProducer{}
	k := NewKafkaWithProducer(p, "trail.ledger")

	require.NoError(t, k.Publish(context.Background(), sampleEntry()))
	require.Len(t, p.records, 1)
	rec := p.records[0]
	assert.Equal(t, "trail.ledger", rec.Topic)
	assert.Equal(t, "stream:s1", string(rec.Key))

	var got model.LedgerEntry
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, model.HashValue("hash7"), got.EventHash)

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "update", headers[HeaderOperation])
	assert.Equal(t, "hash7", headers[HeaderEventHash])
	assert.Equal(t, "7", headers[HeaderPosition])
}

func TestKafka_BreakerShedsAfterFailures(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker unavailable")}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }
	k := NewKafkaWithProducer(p, "t", WithBreaker(b))
	ctx := context.Background()

	require.Error(t, k.Publish(ctx, sampleEntry()))
	require.Error(t, k.Publish(ctx, sampleEntry()))
	assert.True(t, b.IsOpen())
	assert.ErrorIs(t, k.Publish(ctx, sampleEntry()), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	p.err = nil
	require.NoError(t, k.Publish(ctx, sampleEntry()))
	assert.False(t, b.IsOpen())
	assert.Len(t, p.records, 1)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.True(t, b.RecordFailure(), "a failed probe opens the breaker again")
	assert.False(t, b.Allow())
}

func TestNewKafka_RequiresBrokers(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{Topic: "t"})
	assert.Error(t, err)
}
