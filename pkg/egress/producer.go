// Package egress accumulates (key, payload) records into size-bounded
// batches and flushes them to the log broker with per-record delivery
// callbacks, the only component holding the log client connection.
package egress

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/IBM/sarama"

	"github.com/noovoleum/mongo-kafka-cdc/pkg/metrics"
)

// Sink is the one abstraction C5 and C6 depend on to emit envelopes; the
// only implementation in this pipeline is Producer.
type Sink interface {
	Send(key string, payload map[string]interface{}) error
}

// deliveryMeta rides along in ProducerMessage.Metadata so the shared
// Successes/Errors drain loop can record the outcome and release the
// flush that is waiting on it.
type deliveryMeta struct {
	wg *sync.WaitGroup
}

// Producer is the sole owner of the Kafka connection. send is non-blocking
// until the batch fills, at which point flush runs synchronously on the
// calling goroutine, exactly per the batching discipline the append-only
// log requires.
type Producer struct {
	client   sarama.Client
	async    sarama.AsyncProducer
	topic    string
	batchCap int
	metrics  *metrics.Metrics
	logger   *log.Logger

	mu      sync.Mutex
	pending []*sarama.ProducerMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// NewProducer wraps client in an async producer and starts the background
// loop that drains delivery callbacks for the lifetime of the producer.
func NewProducer(client sarama.Client, topic string, batchCap int, m *metrics.Metrics, logger *log.Logger) (*Producer, error) {
	if logger == nil {
		logger = log.Default()
	}
	if batchCap <= 0 {
		batchCap = 100
	}

	async, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to start kafka async producer: %w", err)
	}

	return newProducer(async, client, topic, batchCap, m, logger), nil
}

// newProducer wires an already-constructed async producer, letting tests
// substitute sarama/mocks.NewAsyncProducer for the real network client.
func newProducer(async sarama.AsyncProducer, client sarama.Client, topic string, batchCap int, m *metrics.Metrics, logger *log.Logger) *Producer {
	if logger == nil {
		logger = log.Default()
	}
	if batchCap <= 0 {
		batchCap = 100
	}

	p := &Producer{
		client:   client,
		async:    async,
		topic:    topic,
		batchCap: batchCap,
		metrics:  m,
		logger:   logger,
		closed:   make(chan struct{}),
	}

	go p.drain()

	return p
}

// drain runs for the producer's lifetime, converting every delivery
// callback into a metrics update and releasing the flush waiting on it.
func (p *Producer) drain() {
	for {
		select {
		case <-p.closed:
			return
		case msg, ok := <-p.async.Successes():
			if !ok {
				return
			}
			p.deliver(msg, true, nil)
		case perr, ok := <-p.async.Errors():
			if !ok {
				return
			}
			if perr == nil {
				continue
			}
			p.deliver(perr.Msg, false, perr.Err)
		}
	}
}

func (p *Producer) deliver(msg *sarama.ProducerMessage, ok bool, err error) {
	if p.metrics != nil {
		p.metrics.RecordEgress(ok)
	}
	if !ok {
		p.logger.Printf("egress delivery failed for topic %s: %v", p.topic, err)
	} else {
		p.logger.Printf("egress delivered to %s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if meta, isMeta := msg.Metadata.(deliveryMeta); isMeta && meta.wg != nil {
		meta.wg.Done()
	}
}

// Send appends (key, payload) to the pending batch. When the batch reaches
// its configured capacity, flush runs before Send returns.
func (p *Producer) Send(key string, payload map[string]interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	p.mu.Lock()
	p.pending = append(p.pending, msg)
	full := len(p.pending) >= p.batchCap
	p.mu.Unlock()

	if full {
		return p.Flush()
	}
	return nil
}

// Flush detaches the pending batch, drains every record of it into the async
// producer in FIFO order, then blocks until every one of them has been
// acknowledged (successfully or not). Delivery failures are never returned
// to the caller: they surface only via metrics and logs.
func (p *Producer) Flush() error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))

	for _, msg := range batch {
		msg.Metadata = deliveryMeta{wg: &wg}
		p.async.Input() <- msg
	}

	wg.Wait()
	return nil
}

// Close flushes any remaining batch, then closes the async producer and
// the underlying client in that order.
func (p *Producer) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}

	p.closeOnce.Do(func() { close(p.closed) })

	if err := p.async.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("failed to close kafka client: %w", err)
		}
	}
	return nil
}

// PendingCount reports the number of records currently batched, for tests
// and diagnostics.
func (p *Producer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
