// Package shutdown runs a registry of named, fallible shutdown actions
// concurrently under a deadline, then drains the egress producer and
// closes the clients owning the pipeline's connections.
package shutdown

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Action is a single named shutdown step.
type Action struct {
	Name string
	Run  func(context.Context) error
}

// Processor is the subset of changefeed.Processor the coordinator stops
// before running the registry.
type Processor interface {
	Stop()
}

// Producer is the subset of egress.Producer the coordinator drains and
// closes last, after every registered action has run.
type Producer interface {
	Close() error
}

// Coordinator sequences quiescence: stop the change-feed processor first,
// run every registered action concurrently under a deadline, then flush
// and close the log producer.
type Coordinator struct {
	processor Processor
	producer  Producer
	actions   []Action
	logger    *log.Logger

	once sync.Once
	done chan struct{}
	err  error
}

// New constructs a Coordinator. actions run concurrently in Shutdown;
// Producer.Close runs last, unconditionally.
func New(processor Processor, producer Producer, logger *log.Logger, actions ...Action) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		processor: processor,
		producer:  producer,
		actions:   actions,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Shutdown marks the processor stopped, runs every registered action
// concurrently, waits for all of them or for ctx's deadline, then flushes
// and closes the producer. Re-entrant calls collapse into the first one
// and return its result immediately.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	if c.processor != nil {
		c.processor.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(len(c.actions))

	var mu sync.Mutex
	var errs []error

	for _, action := range c.actions {
		action := action
		go func() {
			defer wg.Done()
			if err := action.Run(ctx); err != nil {
				c.logger.Printf("shutdown: action %q failed: %v", action.Name, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", action.Name, err))
				mu.Unlock()
			}
		}()
	}

	actionsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(actionsDone)
	}()

	var timedOut bool
	select {
	case <-actionsDone:
	case <-ctx.Done():
		timedOut = true
		c.logger.Printf("shutdown: deadline exceeded before all actions completed")
	}

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.logger.Printf("shutdown: producer close failed: %v", err)
			mu.Lock()
			errs = append(errs, fmt.Errorf("producer close: %w", err))
			mu.Unlock()
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if timedOut {
		errs = append(errs, ctx.Err())
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d error(s): %w", len(errs), errs[0])
	}
	return nil
}
