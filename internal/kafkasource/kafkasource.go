// Package kafkasource feeds subscriptions from Kafka topics and publishes
// payloads to them.
package kafkasource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	executor "github.com/hanpama/graphsub/internal/executor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewConfig returns the sarama configuration used by Connect. Partition
// errors are returned to the source so they can end the subscription.
func NewConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_7_0_0
	if clientID != "" {
		sc.ClientID = clientID
	}
	sc.Consumer.Return.Errors = true
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	return sc
}

// Connect opens a client for brokers.
func Connect(brokers []string, clientID string) (sarama.Client, error) {
	client, err := sarama.NewClient(brokers, NewConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("kafka connect %s: %w", strings.Join(brokers, ","), err)
	}
	return client, nil
}

// ParseOffset maps "newest" and "oldest" to sarama offsets.
func ParseOffset(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "", "newest":
		return sarama.OffsetNewest, nil
	case "oldest":
		return sarama.OffsetOldest, nil
	}
	return 0, fmt.Errorf("unknown kafka offset %q (want newest or oldest)", s)
}

// Source opens subscription streams over all partitions of a topic.
type Source struct {
	consumer sarama.Consumer
	offset   int64
	buffer   int
	logger   *zap.Logger
}

type Option func(*Source)

// WithOffset sets where new streams start reading. Default is OffsetNewest.
func WithOffset(offset int64) Option { return func(s *Source) { s.offset = offset } }
func WithBuffer(n int) Option        { return func(s *Source) { s.buffer = n } }
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.logger = l }
}

func NewSource(consumer sarama.Consumer, opts ...Option) *Source {
	s := &Source{consumer: consumer, offset: sarama.OffsetNewest, buffer: 16, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe consumes every partition of topic. Messages are decoded as JSON;
// a message that does not decode becomes an error element and the stream
// continues. A partition consumer error ends the stream.
func (s *Source) Subscribe(ctx context.Context, topic string) (executor.SourceStream, error) {
	partitions, err := s.consumer.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("kafka partitions of %q: %w", topic, err)
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := s.consumer.ConsumePartition(topic, p, s.offset)
		if err != nil {
			closeAll(pcs, s.logger)
			return nil, fmt.Errorf("kafka consume %s/%d: %w", topic, p, err)
		}
		pcs = append(pcs, pc)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan any, s.buffer)
	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			s.pump(subCtx, pc, ch)
		}(pc)
	}
	go func() {
		wg.Wait()
		closeAll(pcs, s.logger)
		close(ch)
		s.logger.Debug("kafkasource.Source.Subscribe: stream closed", zap.String("topic", topic))
	}()
	s.logger.Debug("kafkasource.Source.Subscribe", zap.String("topic", topic), zap.Int("partitions", len(pcs)))
	return executor.FromChannel(ch, cancel), nil
}

// pump forwards one partition until ctx ends or the partition fails. A
// failure cancels nothing by itself; the fatal element it sends ends the
// mapped stream, whose Close cancels ctx.
func (s *Source) pump(ctx context.Context, pc sarama.PartitionConsumer, ch chan<- any) {
	send := func(v any) bool {
		select {
		case ch <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			if !send(decode(msg)) {
				return
			}
		case cerr, ok := <-pc.Errors():
			if !ok {
				return
			}
			s.logger.Error("kafkasource.Source.pump", zap.Error(cerr))
			send(executor.Fatal(cerr))
			return
		case <-ctx.Done():
			return
		}
	}
}

func decode(msg *sarama.ConsumerMessage) any {
	var v any
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		return &executor.GraphQLError{
			Message: fmt.Sprintf("kafka message %s/%d@%d is not valid JSON: %v", msg.Topic, msg.Partition, msg.Offset, err),
		}
	}
	return v
}

func closeAll(pcs []sarama.PartitionConsumer, logger *zap.Logger) {
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			logger.Warn("kafkasource.closeAll", zap.Error(err))
		}
	}
}

// Close closes the underlying consumer.
func (s *Source) Close() error { return s.consumer.Close() }

// Publisher writes JSON payloads to topics.
type Publisher struct {
	producer sarama.SyncProducer
}

func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", topic, err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(b)})
	if err != nil {
		return fmt.Errorf("kafka send to %q: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.producer.Close() }
