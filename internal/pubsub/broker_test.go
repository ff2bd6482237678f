package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	executor "github.com/hanpama/graphsub/internal/executor"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func next(t *testing.T, s executor.SourceStream) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func TestPublishFansOut(t *testing.T) {
	b := New(WithLogger(zaptest.NewLogger(t)))
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "posts")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "posts")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "comments")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Publish(ctx, "posts", 1))
	require.NoError(t, b.Publish(ctx, "posts", 2))

	for _, s := range []executor.SourceStream{s1, s2} {
		require.Equal(t, 1, next(t, s))
		require.Equal(t, 2, next(t, s))
		require.NoError(t, s.Close())
	}
	require.Equal(t, 0, b.Subscribers("posts"))
	require.Equal(t, 1, b.Subscribers("comments"))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New()
	defer b.Close()
	require.NoError(t, b.Publish(context.Background(), "nobody", "x"))
}

func TestPublishWaitsOnFullBuffer(t *testing.T) {
	b := New(WithBuffer(1))
	defer b.Close()
	ctx := context.Background()
	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, b.Publish(ctx, "t", "a"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Publish(short, "t", "b"), context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, b.Publish(ctx, "t", "c"))
	}()
	require.Equal(t, "a", next(t, s))
	require.Equal(t, "c", next(t, s))
	wg.Wait()
}

func TestClosedStreamUnblocksPublisher(t *testing.T) {
	b := New(WithBuffer(0))
	defer b.Close()
	ctx := context.Background()
	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- b.Publish(ctx, "t", "x") }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, <-errc)

	v, err := s.Next(ctx)
	require.ErrorIs(t, err, executor.Done)
	require.Nil(t, v)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers("t"))

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers("t") == 0 }, time.Second, time.Millisecond)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, executor.Done)
}

func TestBrokerCloseDrainsThenEnds(t *testing.T) {
	b := New()
	ctx := context.Background()
	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, b.Publish(ctx, "t", "last"))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.Equal(t, "last", next(t, s))
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, executor.Done)

	require.ErrorIs(t, b.Publish(ctx, "t", 1), ErrClosed)
	_, err = b.Subscribe(ctx, "t")
	require.ErrorIs(t, err, ErrClosed)
}

func TestNextRespectsContext(t *testing.T) {
	b := New()
	defer b.Close()
	s, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeFeedsSubscription(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()
	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	stream := executor.MapSourceToResponse(s, func(ctx context.Context, payload any) (*executor.ExecutionResult, error) {
		return &executor.ExecutionResult{Data: map[string]any{"n": payload}}, nil
	}, nil)
	require.NoError(t, b.Publish(ctx, "t", 7))
	res, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 7}, res.Data)
	require.NoError(t, stream.Close())
	require.Equal(t, 0, b.Subscribers("t"))
}
