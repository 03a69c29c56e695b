package messaging

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDialer opens TCP connections to an MQTT broker. The handshake itself
// happens in Authenticate on the returned transport.
type MQTTDialer struct {
	addr      string
	clientID  string
	keepAlive time.Duration
	timeout   time.Duration
	dialer    net.Dialer
	resolve   ResolveFunc
}

// ResolveFunc looks a broker host name up before a dial.
type ResolveFunc func(ctx context.Context, host string) ([]string, error)

// NewMQTTDialer creates a dialer for host:port.
func NewMQTTDialer(host string, port int, clientID string, keepAlive, timeout time.Duration) *MQTTDialer {
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MQTTDialer{
		addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		clientID:  clientID,
		keepAlive: keepAlive,
		timeout:   timeout,
		dialer:    net.Dialer{Timeout: timeout},
	}
}

// WithResolver makes every dial resolve the broker host with fn first.
func (d *MQTTDialer) WithResolver(fn ResolveFunc) *MQTTDialer {
	d.resolve = fn
	return d
}

func (d *MQTTDialer) Broker() string { return "tcp://" + d.addr }

func (d *MQTTDialer) Dial(ctx context.Context) (Transport, error) {
	addr := d.addr
	if d.resolve != nil {
		host, port, _ := net.SplitHostPort(d.addr)
		addrs, err := d.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("mqtt resolve %s: %w", host, err)
		}
		addr = net.JoinHostPort(addrs[0], port)
	}
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mqtt dial %s: %w", addr, err)
	}
	return &mqttTransport{
		d:       d,
		conn:    conn,
		inbound: make(chan Message),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}, nil
}

type mqttTransport struct {
	d *MQTTDialer

	mu     sync.Mutex
	conn   net.Conn // dialled but not yet handed to paho
	client mqtt.Client

	inbound   chan Message
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// openConn gives paho the connection from Dial first, then fresh ones if a
// handshake is retried.
func (t *mqttTransport) openConn(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	return t.d.dialer.Dial("tcp", uri.Host)
}

func (t *mqttTransport) Authenticate(ctx context.Context, user, password string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.d.Broker()).
		SetClientID(t.d.clientID).
		SetUsername(user).
		SetPassword(password).
		SetCleanSession(true).
		SetKeepAlive(t.d.keepAlive).
		SetConnectTimeout(t.d.timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetCustomOpenConnectionFn(t.openConn).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case t.errs <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), t.d.timeout); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

func (t *mqttTransport) connected() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *mqttTransport) Subscribe(ctx context.Context, topic string) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	tok := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m := Message{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}
		select {
		case t.inbound <- m:
		case <-t.closed:
		}
	})
	if err := waitToken(ctx, tok, t.d.timeout); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for filter, code := range st.Result() {
			if code >= 0x80 {
				return fmt.Errorf("mqtt subscribe %s: rejected with code %#x", filter, code)
			}
		}
	}
	return nil
}

// Ping makes a round trip to the broker. Unsubscribing from a filter the
// device never subscribed to has no effect, but the broker must still
// answer with an UNSUBACK.
func (t *mqttTransport) Ping(ctx context.Context) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	if !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, client.Unsubscribe(t.pingTopic()), t.d.timeout); err != nil {
		return fmt.Errorf("mqtt ping: %w", err)
	}
	return nil
}

func (t *mqttTransport) pingTopic() string { return "scribe/ping/" + t.d.clientID }

func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Publish(topic, 0, false, payload), t.d.timeout)
}

func (t *mqttTransport) Inbound() <-chan Message { return t.inbound }

func (t *mqttTransport) Errors() <-chan error { return t.errs }

func (t *mqttTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
