// Package assembly wires the configured pipeline together: source and log
// clients, the resume cursor store, the circuit breaker, metrics, the
// snapshot loader, the change-feed processor and the shutdown coordinator.
// Nothing here holds business logic; it only constructs and connects.
package assembly

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/noovoleum/mongo-kafka-cdc/pkg/breaker"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/changefeed"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/config"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/cursorstore"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/egress"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/metrics"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/shutdown"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/snapshot"
)

// Pipeline holds every constructed component and the plumbing needed to run
// and shut the whole thing down.
type Pipeline struct {
	cfg    *config.Config
	logger *log.Logger

	mongoClient *mongo.Client
	kafkaClient sarama.Client

	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	producer  *egress.Producer
	loader    *snapshot.Loader
	processor *changefeed.Processor
	breaker   *breaker.Breaker[struct{}]
	cursor    cursorstore.Store

	coordinator *shutdown.Coordinator
	startedAt   time.Time
}

// Build validates and assembles the pipeline from an already loaded cfg. It connects to
// MongoDB and Kafka, so it can fail for environmental reasons in addition to
// configuration ones.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("assembly: invalid configuration: %w", err)
	}

	// The /metrics endpoint serves the default gatherer, so the pipeline's
	// metrics are registered there.
	m := metrics.New(prometheus.DefaultRegisterer)

	mongoClient, err := connectMongo(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("assembly: mongo connect: %w", err)
	}
	m.SetSourceConnected(true)

	kafkaClient, err := connectKafka(cfg)
	if err != nil {
		return nil, fmt.Errorf("assembly: kafka connect: %w", err)
	}
	m.SetLogConnected(true)

	cursor := buildCursorStore(ctx, cfg, logger)

	brk := breaker.New[struct{}](breaker.Config{
		Name:             "source",
		FailureThreshold: cfg.Pipeline.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Pipeline.ResetTimeoutMs) * time.Millisecond,
		Logger:           logger,
	})

	producer, err := egress.NewProducer(kafkaClient, cfg.Log.Topic, cfg.Log.EgressBatchCount, m, logger)
	if err != nil {
		return nil, fmt.Errorf("assembly: egress producer: %w", err)
	}

	collection := mongoClient.Database(cfg.Source.Database).Collection(cfg.Source.Collection)

	loader := snapshot.New(snapshot.Config{
		Finder:    snapshot.CollectionFinder{Collection: collection},
		Sink:      producer,
		Metrics:   m,
		Logger:    logger,
		BatchSize: cfg.Source.BatchSize,
		Enabled:   cfg.Pipeline.SnapshotEnabled,
	})

	processor := changefeed.New(changefeed.Config{
		Watcher:          changefeed.CollectionWatcher{Collection: collection},
		Sink:             producer,
		Cursor:           cursor,
		Breaker:          brk,
		Metrics:          m,
		Logger:           logger,
		RetryMaxAttempts: cfg.Pipeline.RetryMaxAttempts,
		RetryBackoffMs:   cfg.Pipeline.RetryBackoffMs,
	})

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger,
		mongoClient: mongoClient,
		kafkaClient: kafkaClient,
		metrics:     m,
		producer:    producer,
		loader:      loader,
		processor:   processor,
		breaker:     brk,
		cursor:      cursor,
		startedAt:   time.Now(),
	}

	p.metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Pipeline.HealthPort), p, logger)

	p.coordinator = shutdown.New(processor, producer, logger,
		shutdown.Action{Name: "metrics_server", Run: func(ctx context.Context) error {
			return p.metricsServer.Shutdown(ctx)
		}},
		shutdown.Action{Name: "mongo_client", Run: func(ctx context.Context) error {
			return mongoClient.Disconnect(ctx)
		}},
	)

	return p, nil
}

// Run starts the metrics server, performs the bulk snapshot if enabled, then
// tails the change feed until Shutdown is called or the feed ends on its
// own (e.g. a fatal breaker-open).
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.metricsServer.Start(); err != nil {
		return fmt.Errorf("assembly: metrics server: %w", err)
	}

	if err := p.loader.Run(ctx); err != nil {
		p.logger.Printf("assembly: snapshot failed: %v", err)
		return fmt.Errorf("assembly: snapshot: %w", err)
	}

	return p.processor.Run(ctx)
}

// Shutdown stops the change-feed processor, runs the registered shutdown
// actions and flushes/closes the log producer. Safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.coordinator.Shutdown(ctx)
}

// GetStatus implements metrics.HealthChecker. LogConnected reflects the
// Kafka client's own closed flag, a cheap synchronous check. SourceConnected
// has no equivalent on *mongo.Client short of an active Ping, which would
// turn every /health poll into a network round trip against the source;
// external readiness probing (spec §6/§7's collaborator) is expected to
// exercise the pipeline's actual read/write paths instead, so this reports
// the state established at assembly time.
func (p *Pipeline) GetStatus() metrics.HealthStatus {
	state := p.breaker.State()
	logConnected := p.kafkaClient == nil || !p.kafkaClient.Closed()
	p.metrics.SetLogConnected(logConnected)
	return metrics.HealthStatus{
		Healthy:         state != breaker.StateOpen,
		BreakerOpen:     state == breaker.StateOpen,
		SourceConnected: true,
		LogConnected:    logConnected,
		UptimeSeconds:   int64(time.Since(p.startedAt).Seconds()),
	}
}

func connectMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Source.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.Source.URI).
		SetMinPoolSize(cfg.Source.PoolMin).
		SetMaxPoolSize(cfg.Source.PoolMax)

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

func connectKafka(cfg *config.Config) (sarama.Client, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.Log.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.MaxMessageBytes = cfg.Log.MaxRequestBytes
	saramaCfg.Producer.Idempotent = cfg.Log.Idempotent
	saramaCfg.Producer.Flush.Frequency = time.Duration(cfg.Log.LingerMs) * time.Millisecond

	switch cfg.Log.Acks {
	case "all":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	}

	switch cfg.Log.Compression {
	case "snappy":
		saramaCfg.Producer.Compression = sarama.CompressionSnappy
	default:
		saramaCfg.Producer.Compression = sarama.CompressionNone
	}

	if cfg.Log.Idempotent {
		saramaCfg.Net.MaxOpenRequests = 1
		saramaCfg.Producer.Retry.Max = 5
	}

	client, err := sarama.NewClient(cfg.Log.Bootstrap, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

func buildCursorStore(ctx context.Context, cfg *config.Config, logger *log.Logger) cursorstore.Store {
	if !config.UseRemoteCursor(nil) {
		return cursorstore.NewFileStore(cfg.Cursor.LocalPath)
	}

	s3Client, err := cursorstore.NewS3ClientFromEnv(ctx, cfg.Cursor.Region, "", "")
	if err != nil {
		logger.Printf("assembly: failed to build s3 client, falling back to local cursor file: %v", err)
		return cursorstore.NewFileStore(cfg.Cursor.LocalPath)
	}
	return cursorstore.NewS3Store(s3Client, cfg.Cursor.RemoteBucket, cfg.Cursor.RemoteKey)
}
