// Package pubsub is an in-memory topic broker whose subscriptions are
// subscription source streams.
package pubsub

import (
	"context"
	"errors"
	"sync"

	executor "github.com/hanpama/graphsub/internal/executor"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("pubsub: broker closed")

const defaultBuffer = 16

// Broker fans published payloads out to every stream subscribed to a topic.
// Each stream has a bounded buffer. When it is full the publisher waits, so
// events are never dropped and every stream sees a topic's events in publish
// order.
type Broker struct {
	buffer int
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
	done   chan struct{}
}

type topic struct {
	publishMu sync.Mutex // serializes publishers of this topic
	subs      map[*stream]struct{}
}

type Option func(*Broker)

// WithBuffer sets the per-stream buffer size. Values below 1 mean unbuffered.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n < 0 {
			n = 0
		}
		b.buffer = n
	}
}

func WithLogger(l *zap.Logger) Option { return func(b *Broker) { b.logger = l } }

func New(opts ...Option) *Broker {
	b := &Broker{
		buffer: defaultBuffer,
		logger: zap.NewNop(),
		topics: map[string]*topic{},
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers payload to all current subscribers of name. It returns
// ctx.Err() if ctx ends while waiting on a full buffer; subscribers already
// served keep the event.
func (b *Broker) Publish(ctx context.Context, name string, payload any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return nil
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	b.mu.RLock()
	subs := make([]*stream, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		case <-s.done:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe opens a stream of payloads published to name from now on. The
// stream is closed when ctx ends or Close is called on it.
func (b *Broker) Subscribe(ctx context.Context, name string) (executor.SourceStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.topics[name]
	if t == nil {
		t = &topic{subs: map[*stream]struct{}{}}
		b.topics[name] = t
	}
	s := &stream{
		broker: b,
		topic:  name,
		ch:     make(chan any, b.buffer),
		done:   make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	b.logger.Debug("pubsub.Broker.Subscribe", zap.String("topic", name), zap.Int("subscribers", len(t.subs)))
	return s, nil
}

// Subscribers reports how many streams are subscribed to name.
func (b *Broker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t := b.topics[name]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Close ends every stream. Streams return their buffered events first and
// then Done.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.topics = map[string]*topic{}
	return nil
}

func (b *Broker) unsubscribe(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[s.topic]
	if t == nil {
		return
	}
	delete(t.subs, s)
	if len(t.subs) == 0 {
		delete(b.topics, s.topic)
	}
	b.logger.Debug("pubsub.Broker.unsubscribe", zap.String("topic", s.topic), zap.Int("subscribers", len(t.subs)))
}

type stream struct {
	broker *Broker
	topic  string
	ch     chan any
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	stop func() bool
}

func (s *stream) Next(ctx context.Context) (any, error) {
	select {
	case <-s.done:
		return nil, executor.Done
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return nil, executor.Done
	case <-s.broker.done:
		select {
		case v := <-s.ch:
			return v, nil
		default:
			return nil, executor.Done
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.broker.unsubscribe(s)
	})
	return nil
}
