package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaDialer connects to the first reachable broker of a Kafka cluster.
// MQTT topic names are mapped with KafkaTopic.
type KafkaDialer struct {
	brokers []string
	groupID string
	timeout time.Duration
}

// NewKafkaDialer creates a dialer. groupID is the consumer group for the
// inbound reader, normally the device identity.
func NewKafkaDialer(brokers []string, groupID string, timeout time.Duration) *KafkaDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaDialer{brokers: brokers, groupID: groupID, timeout: timeout}
}

func (d *KafkaDialer) Broker() string {
	if len(d.brokers) == 0 {
		return "kafka://"
	}
	return "kafka://" + d.brokers[0]
}

func (d *KafkaDialer) Dial(ctx context.Context) (Transport, error) {
	if len(d.brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	dialer := &kafkago.Dialer{Timeout: d.timeout}
	var lastErr error
	for _, addr := range d.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &kafkaTransport{
				d:       d,
				addr:    addr,
				conn:    conn,
				inbound: make(chan Message),
				errs:    make(chan error, 1),
				closed:  make(chan struct{}),
			}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("kafka dial: %w", lastErr)
}

type kafkaTransport struct {
	d    *KafkaDialer
	addr string

	mu     sync.Mutex
	conn   *kafkago.Conn
	mech   sasl.Mechanism
	reader *kafkago.Reader
	writer *kafkago.Writer

	inbound   chan Message
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// Authenticate redials with SASL/PLAIN when a user is configured and checks
// that the broker answers metadata requests.
func (t *kafkaTransport) Authenticate(ctx context.Context, user, password string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if user != "" {
		mech := plain.Mechanism{Username: user, Password: password}
		dialer := &kafkago.Dialer{Timeout: t.d.timeout, SASLMechanism: mech}
		conn, err := dialer.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			return fmt.Errorf("kafka sasl: %w", err)
		}
		if t.conn != nil {
			t.conn.Close()
		}
		t.conn = conn
		t.mech = mech
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	if _, err := t.conn.Brokers(); err != nil {
		return fmt.Errorf("kafka metadata: %w", err)
	}
	t.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(t.d.brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Transport:    &kafkago.Transport{SASL: t.mech, DialTimeout: t.d.timeout},
	}
	return nil
}

// Subscribe fails until the mapped topic exists, then starts the reader.
func (t *kafkaTransport) Subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	name := KafkaTopic(topic)
	if _, err := t.conn.ReadPartitions(name); err != nil {
		return fmt.Errorf("kafka topic %s: %w", name, err)
	}
	if t.reader != nil {
		return nil
	}
	t.reader = kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: t.d.brokers,
		GroupID: t.d.groupID,
		Topic:   name,
		Dialer:  &kafkago.Dialer{Timeout: t.d.timeout, SASLMechanism: t.mech},
	})
	go t.readLoop(t.reader)
	return nil
}

func (t *kafkaTransport) readLoop(r *kafkago.Reader) {
	for {
		msg, err := r.ReadMessage(context.Background())
		if err != nil {
			select {
			case <-t.closed:
			case t.errs <- fmt.Errorf("kafka read: %w", err):
			default:
			}
			return
		}
		select {
		case t.inbound <- Message{Topic: msg.Topic, Payload: msg.Value}:
		case <-t.closed:
			return
		}
	}
}

func (t *kafkaTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	_, err := t.conn.Brokers()
	return err
}

func (t *kafkaTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WriteMessages(ctx, kafkago.Message{Topic: KafkaTopic(topic), Value: payload})
}

func (t *kafkaTransport) Inbound() <-chan Message { return t.inbound }

func (t *kafkaTransport) Errors() <-chan error { return t.errs }

func (t *kafkaTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.reader != nil {
		errs = append(errs, t.reader.Close())
		t.reader = nil
	}
	if t.writer != nil {
		errs = append(errs, t.writer.Close())
		t.writer = nil
	}
	if t.conn != nil {
		errs = append(errs, t.conn.Close())
		t.conn = nil
	}
	return errors.Join(errs...)
}
