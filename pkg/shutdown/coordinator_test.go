package shutdown

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

type stubProcessor struct {
	stopped int32
}

func (p *stubProcessor) Stop() {
	atomic.StoreInt32(&p.stopped, 1)
}

type stubProducer struct {
	closed  int32
	closeAt func()
	err     error
}

func (p *stubProducer) Close() error {
	atomic.AddInt32(&p.closed, 1)
	if p.closeAt != nil {
		p.closeAt()
	}
	return p.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestShutdownStopsProcessorBeforeActions(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}
	var sawStopped int32

	action := Action{Name: "check", Run: func(_ context.Context) error {
		if atomic.LoadInt32(&processor.stopped) == 1 {
			atomic.StoreInt32(&sawStopped, 1)
		}
		return nil
	}}

	c := New(processor, producer, nil, action)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if atomic.LoadInt32(&sawStopped) != 1 {
		t.Error("expected processor to be stopped before actions ran")
	}
	if atomic.LoadInt32(&producer.closed) != 1 {
		t.Error("expected producer to be closed")
	}
}

func TestShutdownRunsActionsConcurrently(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	var running int32
	var maxConcurrent int32
	track := func(_ context.Context) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	c := New(processor, producer, nil,
		Action{Name: "a", Run: track},
		Action{Name: "b", Run: track},
		Action{Name: "c", Run: track},
	)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Errorf("expected actions to overlap, max concurrent = %d", maxConcurrent)
	}
}

func TestShutdownCollectsActionErrors(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	c := New(processor, producer, quietLogger(),
		Action{Name: "ok", Run: func(_ context.Context) error { return nil }},
		Action{Name: "bad", Run: func(_ context.Context) error { return errors.New("boom") }},
	)

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error from failing action")
	}
	if atomic.LoadInt32(&producer.closed) != 1 {
		t.Error("expected producer close to still run despite action failure")
	}
}

func TestShutdownProducerCloseErrorPropagates(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{err: errors.New("flush failed")}

	c := New(processor, producer, quietLogger())

	if err := c.Shutdown(context.Background()); err == nil {
		t.Fatal("expected producer close error to propagate")
	}
}

func TestShutdownDeadlineExceeded(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	blocked := make(chan struct{})
	c := New(processor, producer, quietLogger(),
		Action{Name: "slow", Run: func(ctx context.Context) error {
			select {
			case <-blocked:
			case <-ctx.Done():
			}
			return nil
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.Shutdown(ctx)
	close(blocked)
	if err == nil {
		t.Fatal("expected deadline-exceeded error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped context.DeadlineExceeded, got %v", err)
	}
	if atomic.LoadInt32(&producer.closed) != 1 {
		t.Error("expected producer to still be closed after deadline")
	}
}

func TestShutdownDeadlineExceededStragglerErrorDoesNotPanic(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	released := make(chan struct{})
	c := New(processor, producer, quietLogger(),
		Action{Name: "straggler", Run: func(ctx context.Context) error {
			<-ctx.Done()
			<-released
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.Shutdown(ctx)
	if err == nil {
		t.Fatal("expected deadline-exceeded error")
	}
	close(released)

	// Give the straggler goroutine a chance to run past Shutdown's return
	// and write its error; the point of this test is that doing so must
	// not panic (send on closed channel) or race on the error slice.
	time.Sleep(20 * time.Millisecond)
}

func TestShutdownIsIdempotent(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	c := New(processor, producer, nil, Action{Name: "noop", Run: func(_ context.Context) error { return nil }})

	first := c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())

	if first != second {
		t.Errorf("expected repeated Shutdown calls to return the same result, got %v and %v", first, second)
	}
	if atomic.LoadInt32(&producer.closed) != 1 {
		t.Errorf("expected producer Close to run exactly once, ran %d times", producer.closed)
	}
}

func TestShutdownWithNoActionsClosesProducer(t *testing.T) {
	processor := &stubProcessor{}
	producer := &stubProducer{}

	c := New(processor, producer, nil)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if atomic.LoadInt32(&producer.closed) != 1 {
		t.Error("expected producer to be closed with zero registered actions")
	}
}
