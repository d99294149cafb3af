// Package changefeed drives the Ready -> Tailing -> Stopping -> Stopped
// state machine that reads a collection's change stream, filters and
// classifies each event, emits envelopes through the egress sink and
// persists the resume cursor after every processed event.
package changefeed

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noovoleum/mongo-kafka-cdc/pkg/breaker"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/cursorstore"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/envelope"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/metrics"
)

// Sink is the subset of egress.Producer the processor depends on.
type Sink interface {
	Send(key string, payload map[string]interface{}) error
}

// classification whitelist for op_type sanitization. Anything else maps
// to "unknown".
var classifications = map[string]struct{}{
	"insert":       {},
	"update":       {},
	"replace":      {},
	"delete":       {},
	"drop":         {},
	"rename":       {},
	"dropDatabase": {},
	"invalidate":   {},
}

// legacyMarker is a substring guard against an older generation's snapshot
// protocol that tagged documents during migration.
const legacyMarker = "initial_load_marker"

// FeedFilter is the server-side match stage shared by every feed open,
// excluding the internal system.indexes namespace and invalidate events.
// The bulk snapshot loader has no operationType concept and does not need
// it, but it is factored here as the single source of truth in case a
// find-based fallback tail is ever added.
func FeedFilter() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"$and": bson.A{
				bson.M{"ns.coll": bson.M{"$ne": "system.indexes"}},
				bson.M{"operationType": bson.M{"$ne": "invalidate"}},
			},
		}}},
	}
}

// Watcher abstracts collection.Watch so tests can drive the loop with a
// stubbed feed.
type Watcher interface {
	Watch(ctx context.Context, resumeToken bson.Raw) (Stream, error)
}

// Stream is the subset of *mongo.ChangeStream the processor consumes.
type Stream interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// CollectionWatcher adapts *mongo.Collection to Watcher.
type CollectionWatcher struct {
	Collection *mongo.Collection
}

// Watch opens a change stream filtered per FeedFilter, resuming from
// resumeToken when non-nil.
func (c CollectionWatcher) Watch(ctx context.Context, resumeToken bson.Raw) (Stream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}
	stream, err := c.Collection.Watch(ctx, FeedFilter(), opts)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// event is the decoded shape of a change stream document, mirroring the
// data model's op_type/document_key/full_document fields. The cursor token
// is not decoded here; it is read from the stream's ResumeToken.
type event struct {
	OperationType string `bson:"operationType"`
	DocumentKey   bson.M `bson:"documentKey"`
	FullDocument  bson.M `bson:"fullDocument"`
}

// Config configures a Processor.
type Config struct {
	Watcher          Watcher
	Sink             Sink
	Cursor           cursorstore.Store
	Breaker          *breaker.Breaker[struct{}]
	Metrics          *metrics.Metrics
	Logger           *log.Logger
	RetryMaxAttempts int
	RetryBackoffMs   int
}

// Processor runs the change-feed state machine. There is exactly one
// logical Tailing loop per instance; stop is the only state the outside
// world may mutate while it runs.
type Processor struct {
	watcher Watcher
	sink    Sink
	cursor  cursorstore.Store
	brk     *breaker.Breaker[struct{}]
	metrics *metrics.Metrics
	logger  *log.Logger

	retryMaxAttempts int
	retryBackoffMs   int

	stop int32
}

// New constructs a Processor from Config.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		watcher:          cfg.Watcher,
		sink:             cfg.Sink,
		cursor:           cfg.Cursor,
		brk:              cfg.Breaker,
		metrics:          cfg.Metrics,
		logger:           logger,
		retryMaxAttempts: cfg.RetryMaxAttempts,
		retryBackoffMs:   cfg.RetryBackoffMs,
	}
}

// Stop sets the stop flag; the running loop exits within one event of
// latency. Safe to call from any goroutine, any number of times.
func (p *Processor) Stop() {
	atomic.StoreInt32(&p.stop, 1)
}

func (p *Processor) stopped() bool {
	return atomic.LoadInt32(&p.stop) == 1
}

// Run drives Ready -> Tailing -> Stopped. The entire tailing pass runs
// inside the breaker; a breaker-open error aborts the run and is returned
// to the caller. Every other per-event error is logged, counted and
// swallowed so the loop continues.
func (p *Processor) Run(ctx context.Context) error {
	resumeToken, present, err := p.cursor.Load(ctx)
	if err != nil {
		p.logger.Printf("changefeed: cursor load failed, starting from now: %v", err)
		if p.metrics != nil {
			p.metrics.RecordCursorStoreError("load")
		}
		present = false
	}

	var token bson.Raw
	if present {
		token = bson.Raw(resumeToken)
	}

	_, err = p.brk.Execute(func() (struct{}, error) {
		return struct{}{}, p.tail(ctx, token)
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.SetBreakerState("source", breaker.StateValue(p.brk.State()))
		}
		return err
	}
	return nil
}

func (p *Processor) tail(ctx context.Context, resumeToken bson.Raw) error {
	stream, err := p.openWithRetry(ctx, resumeToken)
	if err != nil {
		return err
	}
	defer stream.Close(ctx)

	for !p.stopped() && stream.Next(ctx) {
		var raw event
		if err := stream.Decode(&raw); err != nil {
			p.logger.Printf("changefeed: failed to decode event: %v", err)
			if p.metrics != nil {
				p.metrics.RecordChangeEvent("bad_data")
			}
			continue
		}
		p.handleEvent(ctx, raw, stream.ResumeToken())
	}

	if err := stream.Err(); err != nil && !p.stopped() {
		return err
	}
	return nil
}

// openWithRetry reopens the feed under an exponential backoff bounded by
// RetryMaxAttempts, for TransientIO conditions on the initial open.
func (p *Processor) openWithRetry(ctx context.Context, resumeToken bson.Raw) (Stream, error) {
	bo := backoff.NewExponentialBackOff()
	if p.retryBackoffMs > 0 {
		bo.InitialInterval = time.Duration(p.retryBackoffMs) * time.Millisecond
	}

	var stream Stream
	attempt := 0
	maxAttempts := p.retryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	operation := func() error {
		attempt++
		s, err := p.watcher.Watch(ctx, resumeToken)
		if err != nil {
			if attempt >= maxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(maxAttempts-1))); err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *Processor) handleEvent(ctx context.Context, evt event, token bson.Raw) {
	start := time.Now()
	if p.metrics != nil {
		defer func() {
			p.metrics.RecordProcessingDuration("change_stream_event", time.Since(start).Seconds())
		}()
	}

	id := evt.DocumentKey["_id"]
	if id != nil && strings.Contains(envelope.Stringify(id), legacyMarker) {
		if p.metrics != nil {
			p.metrics.RecordChangeEvent("skipped_marker")
		}
		p.saveCursor(ctx, token)
		return
	}

	op := sanitize(evt.OperationType)
	if p.metrics != nil {
		p.metrics.RecordChangeEvent("processed")
		p.metrics.RecordChangeEvent(op)
	}

	switch op {
	case "insert", "update", "replace":
		if evt.FullDocument != nil {
			key := envelope.StringifyID(evt.FullDocument)
			payload := envelope.Build(evt.FullDocument, envelope.Metadata{
				Operation: op,
				Source:    "change_stream",
				Timestamp: time.Now(),
			})
			if err := p.sink.Send(key, payload); err != nil {
				p.logger.Printf("changefeed: send failed for key %s: %v", key, err)
			}
		} else {
			p.logger.Printf("changefeed: full_document is nil for op=%s", op)
			if p.metrics != nil {
				p.metrics.RecordChangeEvent("bad_data")
			}
		}
	case "delete":
		key := envelope.StringifyID(evt.DocumentKey)
		payload := envelope.Build(evt.DocumentKey, envelope.Metadata{
			Operation: op,
			Source:    "change_stream",
			Timestamp: time.Now(),
		})
		if err := p.sink.Send(key, payload); err != nil {
			p.logger.Printf("changefeed: send failed for key %s: %v", key, err)
		}
	default:
		// drop, rename, dropDatabase, invalidate, unknown: no emission.
	}

	p.saveCursor(ctx, token)
}

func (p *Processor) saveCursor(ctx context.Context, token bson.Raw) {
	if token == nil {
		return
	}
	if err := p.cursor.Save(ctx, token); err != nil {
		p.logger.Printf("changefeed: cursor save failed: %v", err)
		if p.metrics != nil {
			p.metrics.RecordCursorStoreError("save")
		}
	}
}

func sanitize(opType string) string {
	if _, ok := classifications[opType]; ok {
		return opType
	}
	return "unknown"
}
