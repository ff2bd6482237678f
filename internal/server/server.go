package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	executor "github.com/hanpama/graphsub/internal/executor"
	language "github.com/hanpama/graphsub/internal/language"
	reqid "github.com/hanpama/graphsub/internal/reqid"
	schema "github.com/hanpama/graphsub/internal/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler is an http.Handler that serves a GraphQL endpoint. Queries and
// mutations are served over HTTP; WebSocket upgrades speak
// graphql-transport-ws and also carry subscriptions.
type Handler struct {
	exec *executor.Executor
	opt  Options
	log  *zap.Logger
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. WebSocket connections are not limited.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers forwarded to resolvers as outgoing
	// gRPC metadata. Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool

	// KeepAlive is the interval of server pings on WebSocket connections.
	// 0 disables them.
	KeepAlive time.Duration

	// InitTimeout bounds the wait for connection_init on a new WebSocket.
	InitTimeout time.Duration

	Logger *zap.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithKeepAlive(d time.Duration) Option   { return func(o *Options) { o.KeepAlive = d } }
func WithInitTimeout(d time.Duration) Option { return func(o *Options) { o.InitTimeout = d } }
func WithLogger(l *zap.Logger) Option        { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// New creates a new GraphQL handler using the given runtime and schema.
func New(runtime executor.Runtime, sch *schema.Schema, opts ...Option) (*Handler, error) {
	exec := executor.NewExecutor(runtime, sch)
	op := Options{Timeout: 10 * time.Second, GraphiQL: true, InitTimeout: 3 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	log := op.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{exec: exec, opt: op, log: log}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	upgrade := isWebsocketUpgrade(r)
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 && !upgrade {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r, Upgrade: upgrade})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if upgrade {
		status = h.serveWebsocket(h.outgoingContext(ctx, r, rid), w, r)
		return
	}

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(&language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	ctx = h.outgoingContext(ctx, r, rid)

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		op := make([]any, len(batch))
		for i := range batch {
			op[i] = h.executeOne(ctx, batch[i])
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	writeJSON(w, status, h.executeOne(ctx, req), h.opt.Pretty)
}

// outgoingContext maps configured headers into outgoing metadata and tags it
// with the request id.
func (h *Handler) outgoingContext(ctx context.Context, r *http.Request, rid string) context.Context {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{rid}
	return metadata.NewOutgoingContext(ctx, md)
}

// prepare parses and validates req. When the schema was loaded from SDL the
// full validator runs, including the single root field rule for
// subscriptions.
func (h *Handler) prepare(req GraphQLRequest) (*language.QueryDocument, *language.OperationDefinition, language.ErrorList) {
	var doc *language.QueryDocument
	if ast := h.exec.Schema().AST; ast != nil {
		var errs language.ErrorList
		doc, errs = language.LoadQuery(ast, req.Query)
		if len(errs) > 0 {
			return nil, nil, errs
		}
	} else {
		var err error
		doc, err = language.ParseQuery(req.Query)
		if err != nil {
			if ge, ok := err.(*language.Error); ok {
				return nil, nil, language.ErrorList{ge}
			}
			return nil, nil, language.ErrorList{{Message: err.Error()}}
		}
	}

	opDef := doc.Operations.ForName(req.OperationName)
	if opDef == nil && req.OperationName == "" && len(doc.Operations) == 1 {
		opDef = doc.Operations[0]
	}
	return doc, opDef, nil
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) any {
	doc, opDef, errs := h.prepare(req)
	if len(errs) > 0 {
		return errorListResponse(errs)
	}
	opType := ""
	if opDef != nil {
		opType = string(opDef.Operation)
		if opDef.Operation == language.Subscription {
			return errorResponse(&language.Error{Message: errSubscriptionOverHTTP})
		}
	}

	res, err := h.run(ctx, events.TransportHTTP, "", doc, opType, req, nil)
	if err != nil {
		return errorResponse(&language.Error{Message: err.Error()})
	}
	return toSpecResult(res)
}

// run executes a query or mutation and reports it on the event bus.
func (h *Handler) run(ctx context.Context, transport, id string, doc *language.QueryDocument, opType string, req GraphQLRequest, contextValue any) (*executor.ExecutionResult, error) {
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{
		ID:            id,
		Transport:     transport,
		OperationName: req.OperationName,
		OperationType: opType,
		Query:         req.Query,
	})
	res, err := h.exec.Execute(ctx, executor.ExecuteParams{
		Document:       doc,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		ContextValue:   contextValue,
	})
	var errList []error
	if err != nil {
		errList = []error{err}
	} else {
		for i := range res.Errors {
			errList = append(errList, res.Errors[i])
		}
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		ID:            id,
		Transport:     transport,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        errList,
		Duration:      time.Since(start),
	})
	return res, err
}

const errSubscriptionOverHTTP = "Subscriptions are served over WebSocket (graphql-transport-ws), not HTTP."

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
	}
	body, lerr := readBody(r, maxBody)
	if lerr != nil {
		return GraphQLRequest{}, nil, lerr
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil, nil
}

func readBody(r *http.Request, maxBody int64) ([]byte, *language.Error) {
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &language.Error{Message: "failed to read body"}
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, &language.Error{Message: errBodyTooLargeMessage}
	}
	return body, nil
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// specResult always carries data, null when execution did not produce any.
type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors,omitempty"`
}

func errorResponse(err *language.Error) specResult {
	return errorListResponse(language.ErrorList{err})
}

// errorListResponse reports request errors (parse, validation) raised before
// execution started.
func errorListResponse(errs language.ErrorList) specResult {
	return specResult{Errors: fromRequestErrors(errs)}
}

func fromRequestErrors(errs language.ErrorList) []specError {
	out := make([]specError, len(errs))
	for i, e := range errs {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		for _, loc := range e.Locations {
			se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
		}
		out[i] = se
	}
	return out
}

func toSpecResult(res *executor.ExecutionResult) specResult {
	out := specResult{Data: res.Data}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]specError, len(res.Errors))
	for i, e := range res.Errors {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		for _, loc := range e.Locations {
			se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
		}
		if len(e.Path) > 0 {
			se.Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				switch v := pe.(type) {
				case string:
					se.Path[j] = v
				case int:
					se.Path[j] = v
				default:
					se.Path[j] = toString(v)
				}
			}
		}
		out.Errors[i] = se
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func toString(v any) string { b, _ := json.Marshal(v); return string(b) }

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	for _, p := range strings.Split(accept, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}

func isWebsocketUpgrade(r *http.Request) bool {
	for _, header := range r.Header["Upgrade"] {
		if strings.EqualFold(header, "websocket") {
			return true
		}
	}
	return false
}
