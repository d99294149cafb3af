// Package snapshot performs the one-shot bulk read of a collection's
// current state, emitting every document through the egress sink before
// the change-feed tail begins.
package snapshot

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noovoleum/mongo-kafka-cdc/pkg/envelope"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/metrics"
)

// Sink is the subset of egress.Producer the loader depends on.
type Sink interface {
	Send(key string, payload map[string]interface{}) error
}

// DocumentCursor is the subset of *mongo.Cursor the loader walks. *mongo.Cursor
// satisfies it without an adapter; tests supply a stub.
type DocumentCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Finder abstracts the collection.Find call so tests can stub the source
// without a live MongoDB server.
type Finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (DocumentCursor, error)
}

// CollectionFinder adapts *mongo.Collection to Finder.
type CollectionFinder struct {
	Collection *mongo.Collection
}

// Find delegates to the wrapped collection's Find.
func (c CollectionFinder) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (DocumentCursor, error) {
	return c.Collection.Find(ctx, filter, opts...)
}

// Loader streams a collection's full contents once, keyed and enveloped
// the same way as the change-feed processor's insert path.
type Loader struct {
	finder    Finder
	sink      Sink
	metrics   *metrics.Metrics
	logger    *log.Logger
	batchSize int32
	enabled   bool
}

// Config configures a Loader.
type Config struct {
	Finder    Finder
	Sink      Sink
	Metrics   *metrics.Metrics
	Logger    *log.Logger
	BatchSize int32
	Enabled   bool
}

// New constructs a Loader from Config.
func New(cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{
		finder:    cfg.Finder,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		logger:    logger,
		batchSize: cfg.BatchSize,
		enabled:   cfg.Enabled,
	}
}

// Run performs the snapshot pass. If snapshot_enabled is false, it returns
// immediately without touching the source or emitting anything.
func (l *Loader) Run(ctx context.Context) error {
	if !l.enabled {
		return nil
	}

	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.InitialLoadDuration.Observe(time.Since(start).Seconds())
		}
	}()

	opts := options.Find().SetBatchSize(l.batchSize)
	cursor, err := l.finder.Find(ctx, bson.M{}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	count := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			l.logger.Printf("snapshot: failed to decode document: %v", err)
			continue
		}

		key := envelope.StringifyID(doc)
		payload := envelope.Build(doc, envelope.Metadata{
			Operation: "read",
			Source:    "initial_load",
			Timestamp: time.Now(),
		})

		if err := l.sink.Send(key, payload); err != nil {
			l.logger.Printf("snapshot: failed to send document %s: %v", key, err)
			continue
		}
		count++

		if count%1000 == 0 {
			l.logger.Printf("snapshot: %d documents processed", count)
		}
	}

	if err := cursor.Err(); err != nil {
		return err
	}

	l.logger.Printf("snapshot: completed, %d documents processed", count)
	return nil
}
