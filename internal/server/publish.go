package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	binding "github.com/hanpama/graphsub/internal/binding"
	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	language "github.com/hanpama/graphsub/internal/language"
	reqid "github.com/hanpama/graphsub/internal/reqid"
)

// PublishHandler accepts POST /publish/{topic} with a JSON body and hands the
// decoded payload to a publisher. Register it with a pattern that defines
// the topic wildcard, e.g. "POST /publish/{topic...}".
type PublishHandler struct {
	pub     binding.Publisher
	maxBody int64
	pretty  bool
	log     *zap.Logger
}

func NewPublishHandler(pub binding.Publisher, opts ...Option) *PublishHandler {
	var op Options
	for _, f := range opts {
		f(&op)
	}
	log := op.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &PublishHandler{pub: pub, maxBody: op.MaxBodyBytes, pretty: op.Pretty, log: log}
}

func (p *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, _ := reqid.NewContext(r.Context())
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(&language.Error{Message: "method not allowed"}), p.pretty)
		return
	}
	topic := r.PathValue("topic")
	if topic == "" {
		topic = strings.TrimPrefix(r.URL.Path, "/publish/")
	}
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(&language.Error{Message: "missing topic"}), p.pretty)
		return
	}

	body, lerr := readBody(r, p.maxBody)
	if lerr != nil {
		status := http.StatusBadRequest
		if lerr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(lerr), p.pretty)
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(&language.Error{Message: "invalid JSON"}), p.pretty)
		return
	}

	start := time.Now()
	err := p.pub.Publish(ctx, topic, payload)
	eventbus.Publish(ctx, events.Published{Topic: topic, Size: len(body), Err: err, Duration: time.Since(start)})
	if err != nil {
		p.log.Error("server.PublishHandler.ServeHTTP", zap.String("topic", topic), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse(&language.Error{Message: "publish failed: " + err.Error()}), p.pretty)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
