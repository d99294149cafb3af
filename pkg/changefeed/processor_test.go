package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/noovoleum/mongo-kafka-cdc/pkg/breaker"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/metrics"
)

type stubEvent struct {
	raw   event
	token bson.Raw
}

type stubStream struct {
	events []stubEvent
	pos    int
	err    error
}

func (s *stubStream) Next(_ context.Context) bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *stubStream) Decode(val interface{}) error {
	out, ok := val.(*event)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*out = s.events[s.pos-1].raw
	return nil
}

func (s *stubStream) ResumeToken() bson.Raw         { return s.events[s.pos-1].token }
func (s *stubStream) Err() error                    { return s.err }
func (s *stubStream) Close(_ context.Context) error { return nil }

type stubWatcher struct {
	stream      *stubStream
	err         error
	lastResumed bson.Raw
	calls       int
}

func (w *stubWatcher) Watch(_ context.Context, resumeToken bson.Raw) (Stream, error) {
	w.calls++
	w.lastResumed = resumeToken
	if w.err != nil {
		return nil, w.err
	}
	return w.stream, nil
}

type record struct {
	key     string
	payload map[string]interface{}
}

type recordingSink struct {
	records []record
}

func (s *recordingSink) Send(key string, payload map[string]interface{}) error {
	s.records = append(s.records, record{key: key, payload: payload})
	return nil
}

type memCursor struct {
	token   []byte
	present bool
	saves   [][]byte
}

func (m *memCursor) Load(_ context.Context) ([]byte, bool, error) {
	return m.token, m.present, nil
}

func (m *memCursor) Save(_ context.Context, token []byte) error {
	m.saves = append(m.saves, append([]byte(nil), token...))
	m.token, m.present = token, true
	return nil
}

func newTestBreaker() *breaker.Breaker[struct{}] {
	return breaker.New[struct{}](breaker.Config{Name: "source", FailureThreshold: 100, ResetTimeout: time.Second})
}

func TestProcessorTailInsertAndDelete(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "insert", DocumentKey: bson.M{"_id": "7"}, FullDocument: bson.M{"_id": "7", "x": int32(1)}}, token: bson.Raw("T1")},
		{raw: event{OperationType: "delete", DocumentKey: bson.M{"_id": "7"}}, token: bson.Raw("T2")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{}

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.records) != 2 {
		t.Fatalf("expected 2 egress records, got %d", len(sink.records))
	}
	if sink.records[0].key != "7" || sink.records[0].payload["_operation"] != "insert" {
		t.Errorf("unexpected first record: %+v", sink.records[0])
	}
	if sink.records[1].key != "7" || sink.records[1].payload["_operation"] != "delete" {
		t.Errorf("unexpected second record: %+v", sink.records[1])
	}
	if string(cursor.token) != "T2" {
		t.Errorf("expected cursor T2 at end, got %s", cursor.token)
	}
}

func TestProcessorResumesFromStoredCursor(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "delete", DocumentKey: bson.M{"_id": "7"}}, token: bson.Raw("T2")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{token: []byte("T1"), present: true}

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if string(watcher.lastResumed) != "T1" {
		t.Errorf("expected watch to resume from T1, got %s", watcher.lastResumed)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 egress record, got %d", len(sink.records))
	}
	if string(cursor.token) != "T2" {
		t.Errorf("expected cursor T2 at end, got %s", cursor.token)
	}
}

func TestProcessorSkipsLegacyMarker(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "insert", DocumentKey: bson.M{"_id": "abc_initial_load_marker_1"}, FullDocument: bson.M{"_id": "abc_initial_load_marker_1"}}, token: bson.Raw("T9")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{}

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.records) != 0 {
		t.Errorf("expected zero egress records for marker-skipped event, got %d", len(sink.records))
	}
	if string(cursor.token) != "T9" {
		t.Errorf("expected cursor T9, got %s", cursor.token)
	}
}

func TestProcessorUnknownOpType(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "mystery", DocumentKey: bson.M{"_id": "5"}}, token: bson.Raw("T5")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{}

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.records) != 0 {
		t.Errorf("expected zero egress records for unknown op type, got %d", len(sink.records))
	}
	if string(cursor.token) != "T5" {
		t.Errorf("expected cursor T5, got %s", cursor.token)
	}
}

func TestProcessorStopEndsLoop(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "insert", DocumentKey: bson.M{"_id": "1"}, FullDocument: bson.M{"_id": "1"}}, token: bson.Raw("T1")},
		{raw: event{OperationType: "insert", DocumentKey: bson.M{"_id": "2"}, FullDocument: bson.M{"_id": "2"}}, token: bson.Raw("T2")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{}

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), RetryMaxAttempts: 1})
	p.Stop()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.records) != 0 {
		t.Errorf("expected zero records when stopped before tailing starts, got %d", len(sink.records))
	}
}

func TestProcessorBreakerOpenAbortsRun(t *testing.T) {
	watcher := &stubWatcher{err: errors.New("connection refused")}
	sink := &recordingSink{}
	cursor := &memCursor{}
	brk := breaker.New[struct{}](breaker.Config{Name: "source", FailureThreshold: 1, ResetTimeout: time.Second})

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: brk, RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error when watch fails")
	}

	if err := p.Run(context.Background()); !errors.Is(err, breaker.ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen on second run, got %v", err)
	}
	if watcher.calls != 1 {
		t.Errorf("expected watch not invoked once breaker is open, calls=%d", watcher.calls)
	}
}

func TestProcessorRecordsProcessingDuration(t *testing.T) {
	stream := &stubStream{events: []stubEvent{
		{raw: event{OperationType: "insert", DocumentKey: bson.M{"_id": "7"}, FullDocument: bson.M{"_id": "7", "x": int32(1)}}, token: bson.Raw("T1")},
	}}
	watcher := &stubWatcher{stream: stream}
	sink := &recordingSink{}
	cursor := &memCursor{}
	m := metrics.New(prometheus.NewRegistry())

	p := New(Config{Watcher: watcher, Sink: sink, Cursor: cursor, Breaker: newTestBreaker(), Metrics: m, RetryMaxAttempts: 1})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if count := testutil.CollectAndCount(m.ProcessingDuration); count == 0 {
		t.Error("expected change_stream_event processing duration to be observed")
	}
}
