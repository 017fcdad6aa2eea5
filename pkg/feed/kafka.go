package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// Kafka header keys carrying message metadata
const (
	HeaderModule       = "module"
	HeaderTypeURL      = "type_url"
	HeaderBlockNumber  = "block_number"
	HeaderBlockSeconds = "block_seconds"
	HeaderBlockNanos   = "block_nanos"
	HeaderEnd          = "end"
)

// Config holds Kafka feed configuration. The topic is read as a single
// partition so offsets order messages by block.
type Config struct {
	Brokers   []string
	Topic     string
	Partition int
	Username  string
	Password  string
	MinBytes  int
	MaxBytes  int
}

// KafkaSource implements Source on a Kafka topic partition
type KafkaSource struct {
	cfg Config
}

func NewKafkaSource(cfg Config) *KafkaSource {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6 // 10MB
	}
	return &KafkaSource{cfg: cfg}
}

func (s *KafkaSource) dialer() *kafka.Dialer {
	d := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if s.cfg.Username != "" {
		d.SASLMechanism = plain.Mechanism{Username: s.cfg.Username, Password: s.cfg.Password}
	}
	return d
}

func (s *KafkaSource) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.cfg.Brokers,
		Topic:     s.cfg.Topic,
		Partition: s.cfg.Partition,
		MinBytes:  s.cfg.MinBytes,
		MaxBytes:  s.cfg.MaxBytes,
		Dialer:    s.dialer(),
	})
}

// StartOffset returns the partition offset a cursor resumes from
func StartOffset(cursor string) (int64, error) {
	if cursor == "" {
		return kafka.FirstOffset, nil
	}
	offset, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return offset + 1, nil
}

// Stream reads the partition from the request cursor on
func (s *KafkaSource) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	offset, err := StartOffset(req.Cursor)
	if err != nil {
		return nil, err
	}

	reader := s.newReader()
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer reader.Close()

		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, events, Event{Kind: EventEnd, Err: fmt.Errorf("failed to fetch message: %w", err)})
				return
			}

			msg, end, err := FromKafka(m)
			if err != nil {
				send(ctx, events, Event{Kind: EventEnd, Err: err})
				return
			}
			if !req.Owns(msg) {
				continue
			}
			if end {
				send(ctx, events, Event{Kind: EventEnd})
				return
			}

			switch req.Match(msg) {
			case Skip:
				continue
			case Stop:
				send(ctx, events, Event{Kind: EventEnd})
				return
			}
			if !send(ctx, events, Event{Kind: EventMessage, Message: msg}) {
				return
			}
		}
	}()
	return events, nil
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Verdict is the outcome of matching a message against a Request
type Verdict int

const (
	Deliver Verdict = iota
	Skip
	Stop
)

// Owns reports whether msg, data or end marker, is addressed to the requested
// module. Records without a module belong to every stream.
func (r Request) Owns(msg Message) bool {
	return r.Module == "" || msg.Module == "" || msg.Module == r.Module
}

// Match decides whether msg belongs to the requested module and block range
func (r Request) Match(msg Message) Verdict {
	if !r.Owns(msg) {
		return Skip
	}
	if r.StopBlock > 0 && msg.Clock.Number >= r.StopBlock {
		return Stop
	}
	if msg.Clock.Number < r.StartBlock {
		return Skip
	}
	return Deliver
}

// FromKafka converts a Kafka record into a Message. end is true for the end
// marker record.
func FromKafka(m kafka.Message) (msg Message, end bool, err error) {
	msg = Message{Payload: m.Value, Cursor: strconv.FormatInt(m.Offset, 10)}

	for _, h := range m.Headers {
		v := string(h.Value)
		switch h.Key {
		case HeaderModule:
			msg.Module = v
		case HeaderTypeURL:
			msg.TypeURL = v
		case HeaderEnd:
			end = v == "true"
		case HeaderBlockNumber:
			msg.Clock.Number, err = strconv.ParseUint(v, 10, 64)
		case HeaderBlockSeconds:
			msg.Clock.Seconds, err = strconv.ParseInt(v, 10, 64)
		case HeaderBlockNanos:
			var n int64
			n, err = strconv.ParseInt(v, 10, 32)
			msg.Clock.Nanos = int32(n)
		}
		if err != nil {
			return Message{}, false, fmt.Errorf("invalid header %s=%q at offset %d: %w", h.Key, v, m.Offset, err)
		}
	}
	return msg, end, nil
}

// ToKafka converts a Message into a Kafka record keyed by block number
func ToKafka(msg Message) kafka.Message {
	number := strconv.FormatUint(msg.Clock.Number, 10)
	return kafka.Message{
		Key:   []byte(number),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: HeaderModule, Value: []byte(msg.Module)},
			{Key: HeaderTypeURL, Value: []byte(msg.TypeURL)},
			{Key: HeaderBlockNumber, Value: []byte(number)},
			{Key: HeaderBlockSeconds, Value: []byte(strconv.FormatInt(msg.Clock.Seconds, 10))},
			{Key: HeaderBlockNanos, Value: []byte(strconv.FormatInt(int64(msg.Clock.Nanos), 10))},
		},
	}
}

// EndMarker is the record that ends a stream for module
func EndMarker(module string) kafka.Message {
	return kafka.Message{
		Headers: []kafka.Header{
			{Key: HeaderModule, Value: []byte(module)},
			{Key: HeaderEnd, Value: []byte("true")},
		},
	}
}

// Publisher writes module outputs to the feed topic
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(cfg Config) *Publisher {
	transport := &kafka.Transport{}
	if cfg.Username != "" {
		transport.SASL = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     kafka.BalancerFunc(func(kafka.Message, ...int) int { return cfg.Partition }),
			RequiredAcks: kafka.RequireAll,
			Transport:    transport,
		},
	}
}

// Publish writes msgs in order
func (p *Publisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		records[i] = ToKafka(m)
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("failed to publish %d messages: %w", len(msgs), err)
	}
	return nil
}

// End publishes the end marker for module
func (p *Publisher) End(ctx context.Context, module string) error {
	return p.writer.WriteMessages(ctx, EndMarker(module))
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ Source = (*KafkaSource)(nil)
