package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pubsub "github.com/hanpama/graphsub/internal/pubsub"
)

func newPublishMux(pub *PublishHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/publish/{topic...}", pub)
	return mux
}

func TestPublishHandler(t *testing.T) {
	broker := pubsub.New()
	defer broker.Close()
	stream, err := broker.Subscribe(context.Background(), "posts.ann")
	require.NoError(t, err)
	defer stream.Close()

	mux := newPublishMux(NewPublishHandler(broker))
	req := httptest.NewRequest("POST", "/publish/posts.ann", bytes.NewBufferString(`{"id":"1"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "1"}, v)
}

func TestPublishHandlerErrors(t *testing.T) {
	broker := pubsub.New()
	mux := newPublishMux(NewPublishHandler(broker, WithMaxBodyBytes(16)))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"wrong method", "GET", "/publish/t", "", http.StatusMethodNotAllowed},
		{"invalid json", "POST", "/publish/t", "{", http.StatusBadRequest},
		{"too large", "POST", "/publish/t", `{"a":"0123456789abcdef"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body)))
			require.Equal(t, tt.status, w.Code)
		})
	}

	require.NoError(t, broker.Close())
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/publish/t", bytes.NewBufferString(`1`)))
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), pubsub.ErrClosed.Error())
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	return p.err
}

func TestPublishHandlerTimeout(t *testing.T) {
	mux := newPublishMux(NewPublishHandler(failingPublisher{err: errors.Join(errors.New("waiting"), context.DeadlineExceeded)}))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/publish/t", bytes.NewBufferString(`1`)))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
