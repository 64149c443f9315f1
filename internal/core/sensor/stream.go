package sensor

import (
	"context"
	"sync"
)

// Stream is a channel-backed IncrementalQuery for sources that push
// deliveries from a producer goroutine. The producer sends until its
// context ends, then calls Finish exactly once; consumers see the
// channel close and read the terminal error from Err.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Delivery
	done   chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewStream derives the producer context from parent and allocates the
// delivery channel. buffer bounds how far the producer may run ahead of
// a slow consumer before Send blocks.
func NewStream(parent context.Context, buffer int) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Delivery, buffer),
		done:   make(chan struct{}),
	}
}

// Context is the producer's context; it ends when the stream is closed
// or the parent context is canceled.
func (s *Stream) Context() context.Context { return s.ctx }

// Send hands one delivery to the consumer. It reports false once the
// stream is shutting down, at which point the producer must stop and
// call Finish.
func (s *Stream) Send(d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish records the terminal error and closes the delivery channel.
// Only the producer calls it, exactly once.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.out)
	close(s.done)
}

func (s *Stream) Deliveries() <-chan Delivery { return s.out }

// Err reports why the stream ended. It is meaningful once Deliveries is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer and waits for it to finish. Safe to call any
// number of times, from any goroutine.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
