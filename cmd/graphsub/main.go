package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/hanpama/graphsub/internal/binding"
	"github.com/hanpama/graphsub/internal/config"
	"github.com/hanpama/graphsub/internal/eventbus"
	"github.com/hanpama/graphsub/internal/executor"
	"github.com/hanpama/graphsub/internal/introspection"
	"github.com/hanpama/graphsub/internal/kafkasource"
	"github.com/hanpama/graphsub/internal/logging"
	"github.com/hanpama/graphsub/internal/otel"
	"github.com/hanpama/graphsub/internal/pubsub"
	"github.com/hanpama/graphsub/internal/schema"
	"github.com/hanpama/graphsub/internal/server"
)

const rootUsage = `graphsub — GraphQL subscriptions over event streams

USAGE:
  graphsub <command> [flags]

COMMANDS:
  serve            Run the GraphQL server (HTTP + graphql-transport-ws)
  check            Validate the schema and topic bindings
  publish          Publish a JSON payload through a running server
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                  YAML config file (default: graphsub.yaml if present)
  -schema.path <file>             GraphQL SDL file
  -server.addr <addr>             HTTP listen address
  -server.pretty                  Pretty-print JSON responses
  -server.introspection           Answer __schema and __type queries (default: true)
  -server.timeout <duration>      Per-request timeout for HTTP operations
  -server.metadata-header <name>  Forward HTTP header to resolvers as metadata. Repeatable
  -broker.kind <memory|kafka>     Event broker
  -kafka.brokers <a,b>            Kafka bootstrap brokers
  -bind <field=topic>             Bind a subscription field to a topic. Repeatable;
                                  topics may use {arg} placeholders
  -log.level <level>              debug, info, warn or error
  -otel.endpoint <addr>           OTLP collector endpoint
Environment variables prefixed GRAPHSUB_ override the config file.
`

const checkUsage = `check FLAGS:
  -config <file>       YAML config file (default: graphsub.yaml if present)
  -schema.path <file>  GraphQL SDL file
  -bind <field=topic>  Additional binding. Repeatable
  -print               Print the normalized schema SDL
`

const publishUsage = `publish FLAGS:
  -url <url>       Server base URL (default: http://localhost:8080)
  -topic <name>    Topic to publish to (required)
  -data <json>     JSON payload; "-" reads stdin (default: -)
  -timeout <dur>   Request timeout (default: 5s)
`

const defaultConfigPath = "graphsub.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "graphsub:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs, stderr)
	case "check":
		return cmdCheck(cmdArgs, stdout, stderr)
	case "publish":
		return cmdPublish(ctx, cmdArgs, stdin, stdout, stderr)
	case "help", "-h", "-help", "--help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "check":
		fmt.Fprint(stdout, checkUsage)
	case "publish":
		fmt.Fprint(stdout, publishUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type bindFlag map[string]string

func (b bindFlag) String() string { return "" }

func (b bindFlag) Set(v string) error {
	field, topic, ok := strings.Cut(v, "=")
	field, topic = strings.TrimSpace(field), strings.TrimSpace(topic)
	if !ok || field == "" || topic == "" {
		return fmt.Errorf("invalid binding %q (want field=topic)", v)
	}
	b[field] = topic
	return nil
}

// configFlags registers the flags shared by serve and check. apply copies
// the flags that were set onto cfg.
func configFlags(fs *flag.FlagSet) (configPath *string, apply func(*config.Config)) {
	configPath = fs.String("config", defaultConfigPath, "YAML config file")
	schemaPath := fs.String("schema.path", "", "GraphQL SDL file")
	addr := fs.String("server.addr", "", "HTTP listen address")
	pretty := fs.Bool("server.pretty", false, "Pretty-print JSON responses")
	introspect := fs.Bool("server.introspection", true, "Answer introspection queries")
	timeout := fs.Duration("server.timeout", 0, "Per-request timeout")
	var metadataHeaders stringListFlag
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header as metadata")
	brokerKind := fs.String("broker.kind", "", "Event broker")
	kafkaBrokers := fs.String("kafka.brokers", "", "Kafka bootstrap brokers")
	binds := bindFlag{}
	fs.Var(binds, "bind", "Bind a subscription field to a topic")
	logLevel := fs.String("log.level", "", "Log level")
	otelEndpoint := fs.String("otel.endpoint", "", "OTLP collector endpoint")

	apply = func(cfg *config.Config) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "schema.path":
				cfg.Schema.Path = *schemaPath
			case "server.addr":
				cfg.Server.Addr = *addr
			case "server.pretty":
				cfg.Server.Pretty = *pretty
			case "server.introspection":
				cfg.Server.Introspection = *introspect
			case "server.timeout":
				cfg.Server.Timeout = *timeout
			case "server.metadata-header":
				cfg.Server.MetadataHeaders = metadataHeaders
			case "broker.kind":
				cfg.Broker.Kind = *brokerKind
			case "kafka.brokers":
				cfg.Kafka.Brokers = strings.Split(*kafkaBrokers, ",")
			case "log.level":
				cfg.Log.Level = *logLevel
			case "otel.endpoint":
				cfg.OTel.Endpoint = *otelEndpoint
			}
		})
		merged := cfg.BindingMap()
		for f, t := range binds {
			merged[f] = t
		}
		cfg.Bindings = cfg.Bindings[:0]
		for _, b := range binding.FromMap(merged) {
			cfg.Bindings = append(cfg.Bindings, config.BindingConfig{Field: b.Field, Topic: b.Topic})
		}
	}
	return configPath, apply
}

func loadConfig(fs *flag.FlagSet, args []string, usage string, stderr io.Writer) (*config.Config, error) {
	fs.SetOutput(new(bytes.Buffer))
	configPath, apply := configFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, usage)
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	sdl, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	sch, err := schema.BuildFromSDL(string(sdl))
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return sch, nil
}

func bindings(cfg *config.Config) []binding.Binding {
	out := make([]binding.Binding, len(cfg.Bindings))
	for i, b := range cfg.Bindings {
		out[i] = binding.Binding{Field: b.Field, Topic: b.Topic}
	}
	return out
}

func cmdCheck(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	printSDL := fs.Bool("print", false, "Print the schema as SDL")
	cfg, err := loadConfig(fs, args, checkUsage, stderr)
	if err != nil {
		return err
	}
	sch, err := loadSchema(cfg.Schema.Path)
	if err != nil {
		return err
	}
	bs := bindings(cfg)
	if err := binding.Apply(sch, bs, pubsub.New()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok (%d types, %d bindings)\n", cfg.Schema.Path, len(sch.Types), len(bs))
	for _, b := range bs {
		fmt.Fprintf(stdout, "  %s -> %s\n", b.Field, b.Topic)
	}
	if *printSDL {
		fmt.Fprint(stdout, schema.Render(sch))
	}
	return nil
}

// eventBroker is the subscribe and publish side of the configured broker.
type eventBroker struct {
	binding.Broker
	binding.Publisher
	close func() error
}

func openBroker(cfg *config.Config, log *zap.Logger) (*eventBroker, error) {
	switch cfg.Broker.Kind {
	case "kafka":
		offset, err := kafkasource.ParseOffset(cfg.Kafka.Offset)
		if err != nil {
			return nil, err
		}
		client, err := kafkasource.Connect(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, err
		}
		consumer, err := sarama.NewConsumerFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		src := kafkasource.NewSource(consumer,
			kafkasource.WithOffset(offset),
			kafkasource.WithBuffer(cfg.Broker.Buffer),
			kafkasource.WithLogger(log))
		pub := kafkasource.NewPublisher(producer)
		return &eventBroker{Broker: src, Publisher: pub, close: func() error {
			return errors.Join(pub.Close(), src.Close(), client.Close())
		}}, nil
	default:
		b := pubsub.New(pubsub.WithBuffer(cfg.Broker.Buffer), pubsub.WithLogger(log))
		return &eventBroker{Broker: b, Publisher: b, close: b.Close}, nil
	}
}

// onListen, when set, receives the bound address of serve.
var onListen func(addr string)

func cmdServe(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args, serveUsage, stderr)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	defer func() { _ = log.Sync() }()

	sch, err := loadSchema(cfg.Schema.Path)
	if err != nil {
		return err
	}
	broker, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.close(); err != nil {
			log.Warn("main.cmdServe: close broker", zap.Error(err))
		}
	}()
	if err := binding.Apply(sch, bindings(cfg), broker); err != nil {
		return err
	}

	eventbus.Use(eventbus.New())
	shutdownOtel, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	sopts := []server.Option{
		server.WithLogger(log),
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithKeepAlive(cfg.Server.KeepAlive),
		server.WithGraphiQL(cfg.Server.GraphiQL),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.CORS) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORS...))
	}
	if len(cfg.Server.MetadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(cfg.Server.MetadataHeaders...))
	}
	var rt executor.Runtime = executor.NewDefaultRuntime(sch)
	if cfg.Server.Introspection {
		wrapped := introspection.Wrap(rt, sch)
		rt, sch = wrapped, wrapped.Schema()
	}
	h, err := server.New(rt, sch, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)
	mux.Handle("/publish/{topic...}", server.NewPublishHandler(broker,
		server.WithLogger(log), server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes)))

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info("GraphQL server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("broker", cfg.Broker.Kind),
		zap.Int("bindings", len(cfg.Bindings)))
	if onListen != nil {
		onListen(ln.Addr().String())
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// WebSocket connections are hijacked and not tracked by Shutdown; closing
	// the broker below ends their subscriptions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cmdPublish(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	baseURL := "http://localhost:8080"
	topic := ""
	data := "-"
	timeout := 5 * time.Second

	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&baseURL, "url", baseURL, "Server base URL")
	fs.StringVar(&topic, "topic", topic, "Topic to publish to")
	fs.StringVar(&data, "data", data, "JSON payload")
	fs.DurationVar(&timeout, "timeout", timeout, "Request timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, publishUsage)
		return err
	}
	if topic == "" {
		fmt.Fprint(stderr, publishUsage)
		return fmt.Errorf("-topic is required")
	}

	var body []byte
	if data == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		body = b
	} else {
		body = []byte(data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := strings.TrimSuffix(baseURL, "/") + "/publish/" + topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("publish: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	fmt.Fprintf(stdout, "published %d bytes to %s\n", len(body), topic)
	return nil
}
