package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type started struct{ name string }
type stopped struct{ name string }

func TestPublishDispatchesByType(t *testing.T) {
	b := New()
	Use(b)
	t.Cleanup(func() { Use(nil) })

	var got []string
	unsubA := Subscribe(func(ctx context.Context, e started) { got = append(got, "a:"+e.name) })
	unsubB := Subscribe(func(ctx context.Context, e started) { got = append(got, "b:"+e.name) })
	defer unsubB()
	Subscribe(func(ctx context.Context, e stopped) { got = append(got, "stopped:"+e.name) })

	Publish(context.Background(), started{name: "x"})
	Publish(context.Background(), stopped{name: "x"})
	require.Equal(t, []string{"a:x", "b:x", "stopped:x"}, got)

	// Unsubscribing one of two identical closures removes exactly that one.
	unsubA()
	unsubA()
	got = nil
	Publish(context.Background(), started{name: "y"})
	require.Equal(t, []string{"b:y"}, got)
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	called := false
	unsub := Subscribe(func(ctx context.Context, e started) { called = true })
	unsub()
	Publish(context.Background(), started{})
	require.False(t, called)
}
