package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	executor "github.com/hanpama/graphsub/internal/executor"
	language "github.com/hanpama/graphsub/internal/language"
)

// Subprotocol is the WebSocket subprotocol spoken on upgraded connections.
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by graphql-transport-ws.
const (
	closeBadRequest       ws.StatusCode = 4400
	closeUnauthorized     ws.StatusCode = 4401
	closeInitTimeout      ws.StatusCode = 4408
	closeSubscriberExists ws.StatusCode = 4409
	closeTooManyInits     ws.StatusCode = 4429
)

type wsMessage struct {
	ID      string              `json:"id,omitempty"`
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

type wsConn struct {
	h    *Handler
	conn net.Conn
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	initReceived atomic.Bool
	acked        atomic.Bool
	initPayload  map[string]any

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// serveWebsocket upgrades the request and serves the connection until it
// closes. It returns the status reported for the request.
func (h *Handler) serveWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	upgrader := ws.HTTPUpgrader{
		Protocol: func(p string) bool { return p == Subprotocol },
	}
	conn, _, hs, err := upgrader.Upgrade(r, w)
	if err != nil {
		h.log.Error("server.Handler.serveWebsocket", zap.Error(err))
		// The upgrader has already replied.
		return http.StatusBadRequest
	}
	if hs.Protocol != Subprotocol {
		h.log.Debug("server.Handler.serveWebsocket: client did not negotiate subprotocol")
	}

	c := &wsConn{h: h, conn: conn, log: h.log, subs: map[string]context.CancelFunc{}}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.run()
	return http.StatusSwitchingProtocols
}

func (c *wsConn) run() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.conn.Close()
	}()

	if c.h.opt.InitTimeout > 0 {
		t := time.AfterFunc(c.h.opt.InitTimeout, func() {
			if !c.initReceived.Load() {
				c.close(closeInitTimeout, "Connection initialisation timeout")
			}
		})
		defer t.Stop()
	}
	if c.h.opt.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepAlive(c.h.opt.KeepAlive)
	}

	for {
		data, _, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("server.wsConn.run: closed", zap.Error(err))
			} else {
				c.log.Error("server.wsConn.run", zap.Error(err))
			}
			return
		}
		c.log.Debug("server.wsConn.run", zap.ByteString("message", data))
		if c.ctx.Err() != nil {
			// Closing; wait for the client's close reply.
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.close(closeBadRequest, "Invalid message received")
			return
		}
		if !c.handle(msg) {
			c.drain()
			return
		}
	}
}

// handle processes one client message and reports whether the connection
// stays open.
func (c *wsConn) handle(msg wsMessage) bool {
	switch msg.Type {
	case msgConnectionInit:
		if c.initReceived.Swap(true) {
			c.close(closeTooManyInits, "Too many initialisation requests")
			return false
		}
		if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
			var payload map[string]any
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.close(closeBadRequest, "Invalid connection_init payload")
				return false
			}
			c.initPayload = payload
		}
		c.acked.Store(true)
		return c.write(wsMessage{Type: msgConnectionAck}) == nil

	case msgPing:
		return c.write(wsMessage{Type: msgPong}) == nil

	case msgPong:
		return true

	case msgSubscribe:
		if !c.acked.Load() {
			c.close(closeUnauthorized, "Unauthorized")
			return false
		}
		if msg.ID == "" {
			c.close(closeBadRequest, "Invalid message received")
			return false
		}
		var req GraphQLRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Query == "" {
			c.close(closeBadRequest, "Invalid message received")
			return false
		}
		ctx, cancel := context.WithCancel(c.ctx)
		c.mu.Lock()
		if _, exists := c.subs[msg.ID]; exists {
			c.mu.Unlock()
			cancel()
			c.close(closeSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", msg.ID))
			return false
		}
		c.subs[msg.ID] = cancel
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.release(msg.ID)
			c.operate(ctx, msg.ID, req)
		}()
		return true

	case msgComplete:
		c.mu.Lock()
		cancel, ok := c.subs[msg.ID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
		return true
	}

	c.close(closeBadRequest, "Invalid message received")
	return false
}

func (c *wsConn) release(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// operate runs one client operation. Subscriptions stream a next message per
// event; other operations send a single next. A complete message follows
// unless the client cancelled or the operation failed with an error message.
func (c *wsConn) operate(ctx context.Context, id string, req GraphQLRequest) {
	doc, opDef, errs := c.h.prepare(req)
	if len(errs) > 0 {
		c.sendErrors(ctx, id, fromRequestErrors(errs))
		return
	}

	if opDef == nil || opDef.Operation != language.Subscription {
		opType := ""
		if opDef != nil {
			opType = string(opDef.Operation)
		}
		res, err := c.h.run(ctx, events.TransportWebsocket, id, doc, opType, req, c.initPayload)
		if err != nil {
			c.sendErrors(ctx, id, []specError{{Message: err.Error()}})
			return
		}
		if c.send(ctx, id, msgNext, toSpecResult(res)) {
			c.send(ctx, id, msgComplete, nil)
		}
		return
	}

	stream, res, err := c.h.exec.Subscribe(ctx, executor.SubscribeParams{
		Document:       doc,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		ContextValue:   c.initPayload,
	})
	if err != nil {
		c.log.Error("server.wsConn.operate: subscribe", zap.String("id", id), zap.Error(err))
		c.sendErrors(ctx, id, []specError{{Message: err.Error()}})
		return
	}
	if res != nil {
		c.sendErrors(ctx, id, toSpecResult(res).Errors)
		return
	}
	defer stream.Close()

	subID := uuid.NewString()
	field := ""
	if sel := opDef.SelectionSet; len(sel) > 0 {
		if f, ok := sel[0].(*language.Field); ok {
			field = f.Name
		}
	}
	start := time.Now()
	count := 0
	eventbus.Publish(ctx, events.SubscriptionStart{ID: subID, OperationName: req.OperationName, Field: field})

	var streamErr error
	defer func() {
		eventbus.Publish(ctx, events.SubscriptionFinish{ID: subID, Events: count, Err: streamErr, Duration: time.Since(start)})
	}()

	for {
		res, err := stream.Next(ctx)
		if errors.Is(err, executor.Done) {
			c.send(ctx, id, msgComplete, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client completed or the connection closed.
				return
			}
			streamErr = err
			c.log.Error("server.wsConn.operate: stream", zap.String("id", id), zap.Error(err))
			c.sendErrors(ctx, id, []specError{{Message: err.Error()}})
			return
		}
		count++
		eventbus.Publish(ctx, events.SubscriptionEvent{ID: subID, ErrorCount: len(res.Errors)})
		if !c.send(ctx, id, msgNext, toSpecResult(res)) {
			return
		}
	}
}

func (c *wsConn) sendErrors(ctx context.Context, id string, errs []specError) {
	c.send(ctx, id, msgError, errs)
}

// send writes a message for operation id unless it was cancelled.
func (c *wsConn) send(ctx context.Context, id, typ string, payload any) bool {
	if ctx.Err() != nil {
		return false
	}
	msg := wsMessage{ID: id, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.log.Error("server.wsConn.send: marshal", zap.String("id", id), zap.Error(err))
			return false
		}
		msg.Payload = b
	}
	return c.write(msg) == nil
}

func (c *wsConn) write(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
		c.log.Debug("server.wsConn.write", zap.Error(err))
		c.cancel()
		return err
	}
	return nil
}

// close starts the closing handshake. Operations are cancelled at once; the
// read loop ends when the client answers or closeWait passes.
func (c *wsConn) close(code ws.StatusCode, reason string) {
	c.log.Debug("server.wsConn.close", zap.Int("code", int(code)), zap.String("reason", reason))
	c.cancel()
	c.writeMu.Lock()
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
	c.writeMu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(closeWait))
}

const closeWait = time.Second

// drain discards client frames until the client's close reply arrives.
func (c *wsConn) drain() {
	for {
		if _, _, err := wsutil.ReadClientData(c.conn); err != nil {
			return
		}
	}
}

func (c *wsConn) keepAlive(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.write(wsMessage{Type: msgPing}) != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
