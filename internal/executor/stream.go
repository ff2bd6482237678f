package executor

import (
	"context"
	"errors"
	"sync"
)

// Done is returned by Next when a stream has no more elements. Callers stop
// iterating on Done; it is never reported to clients.
var Done = errors.New("no more items in stream")

// SourceStream is the event stream a subscription field resolves to. Next
// blocks until an event is available, the stream ends (Done) or ctx ends.
// Close releases the stream; a Next blocked in another goroutine returns.
type SourceStream interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// ResponseStream yields one ExecutionResult per source event.
type ResponseStream interface {
	Next(ctx context.Context) (*ExecutionResult, error)
	Close() error
}

type sliceStream struct {
	mu     sync.Mutex
	values []any
	closed bool
}

// FromSlice returns a SourceStream that yields values in order and then Done.
func FromSlice(values ...any) SourceStream {
	return &sliceStream{values: values}
}

func (s *sliceStream) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.values) == 0 {
		return nil, Done
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.values = nil
	s.mu.Unlock()
	return nil
}

type chanStream struct {
	ch     <-chan any
	done   chan struct{}
	once   sync.Once
	cancel func()
}

// FromChannel adapts a channel into a SourceStream. The stream ends when ch
// is closed. cancel, if not nil, runs once on Close so the producer can stop.
func FromChannel(ch <-chan any, cancel func()) SourceStream {
	return &chanStream{ch: ch, done: make(chan struct{}), cancel: cancel}
}

func (s *chanStream) Next(ctx context.Context) (any, error) {
	select {
	case <-s.done:
		return nil, Done
	default:
	}
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, Done
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		return v, nil
	case <-s.done:
		return nil, Done
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
