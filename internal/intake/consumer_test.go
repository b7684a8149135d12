package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeReader struct {
	msgs      []kafka.Message
	next      int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.next >= len(r.msgs) {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[r.next]
	r.next++
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeIngester rejects empty keys, fails transiently for keys listed in
// flaky, and reports repeated keys as duplicates.
type fakeIngester struct {
	seen  map[string]bool
	flaky map[string]int
	calls int
}

func (f *fakeIngester) Ingest(_ context.Context, env engine.Envelope) (*model.IngestResult, error) {
	f.calls++
	if env.EntityKey == "" {
		return nil, model.NewValidationError("entity_key", "", "empty identifier")
	}
	if f.flaky[env.EntityKey] > 0 {
		f.flaky[env.EntityKey]--
		return nil, resilience.Transient(errors.New("database is locked"))
	}
	dup := f.seen[env.EntityKey]
	f.seen[env.EntityKey] = true
	return &model.IngestResult{ObservationID: 1, Duplicate: dup}, nil
}

func message(t *testing.T, offset int64, key string) kafka.Message {
	t.Helper()
	v, err := json.Marshal(engine.Envelope{
		EntityKey:  key,
		Source:     "providerA",
		Dimension:  model.DimName,
		Extracted:  map[string]string{model.FieldValue: "Acme"},
		ObservedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "entity-observations", Offset: offset, Key: []byte(key), Value: v}
}

func TestRun_CommitsAndDeadLetters(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		message(t, 0, "acme.com"),
		message(t, 1, "acme.com"),
		message(t, 2, ""),
		{Topic: "entity-observations", Offset: 3, Value: []byte("{not json")},
		message(t, 4, "globex.com"),
	}}
	w := &fakeWriter{}
	ing := &fakeIngester{seen: map[string]bool{}}

	c := NewConsumer(r, w, ing)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []int64{0, 1, 2, 3, 4}, r.committed)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte(""), w.msgs[0].Key)

	headers := map[string]string{}
	for _, h := range w.msgs[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "3", headers[HeaderOffset])
	assert.Equal(t, "permanent", headers[HeaderErrorClass])
	assert.Contains(t, headers[HeaderError], "undecodable json")
	assert.True(t, ing.seen["globex.com"])
}

func TestRun_TransientFailureStopsWithoutCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		message(t, 0, "acme.com"),
		message(t, 1, "globex.com"),
		message(t, 2, "initech.com"),
	}}
	ing := &fakeIngester{seen: map[string]bool{}, flaky: map[string]int{"globex.com": 1}}

	c := NewConsumer(r, nil, ing)
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, []int64{0}, r.committed)
	assert.False(t, ing.seen["initech.com"])
	// The ingester already retried; the consumer calls it once per message.
	assert.Equal(t, 2, ing.calls)
}

func TestRun_DeadLetterFailureStops(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{message(t, 7, "")}}
	w := &fakeWriter{err: errors.New("broker unavailable")}
	c := NewConsumer(r, w, &fakeIngester{seen: map[string]bool{}})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, r.committed)
}

func TestRun_WithoutDeadLetterTopicDrops(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{message(t, 0, "")}}
	c := NewConsumer(r, nil, &fakeIngester{seen: map[string]bool{}})

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []int64{0}, r.committed)
	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestNewDeadLetterWriter(t *testing.T) {
	assert.Nil(t, NewDeadLetterWriter(Config{Brokers: []string{"localhost:9092"}}))
	w := NewDeadLetterWriter(Config{Brokers: []string{"localhost:9092"}, DeadLetterTopic: "dlq"})
	require.NotNil(t, w)
	assert.Equal(t, "dlq", w.Topic)
}
