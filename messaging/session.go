// Package messaging keeps one broker session alive at a time, feeding inbound
// print messages into the print queue and publishing device status.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scribe/config"
	"scribe/printer"
	"scribe/protocol"
	"scribe/watch"
)

var (
	ErrNotConnected       = errors.New("messaging: not connected")
	ErrAuthExhausted      = errors.New("messaging: authentication retries exhausted")
	ErrSubscribeExhausted = errors.New("messaging: subscribe retries exhausted")
)

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is one dialled broker connection. It is used for a single
// session and closed when that session ends.
type Transport interface {
	Authenticate(ctx context.Context, user, password string) error
	Subscribe(ctx context.Context, topic string) error
	// Ping checks that the connection is still usable.
	Ping(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Inbound() <-chan Message
	// Errors delivers asynchronous connection failures.
	Errors() <-chan error
	Close() error
}

// Dialer opens the network connection to the broker.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
	Broker() string
}

// EventEmitter receives session lifecycle notifications.
type EventEmitter interface {
	EmitSessionUp(broker string)
	EmitSessionDown(err error)
	EmitStatusPublished(st Status)
}

// Options tunes retry behaviour.
type Options struct {
	RetryDelay time.Duration
	MaxRetries int
}

// DefaultOptions retries every 5s and gives up on a step after 5 retries.
func DefaultOptions() Options {
	return Options{RetryDelay: 5 * time.Second, MaxRetries: 5}
}

// Manager runs the session loop. A session is never repaired in place: any
// failure closes the transport and the loop starts over from the dial.
type Manager struct {
	dialer   Dialer
	creds    *config.Credentials
	topics   Topics
	deviceID string
	queue    *printer.Queue
	status   *watch.Signal[Status]
	opts     Options
	emitter  EventEmitter
	log      zerolog.Logger
	after    func(time.Duration) <-chan time.Time

	mu        sync.Mutex
	connected bool
	sessions  int
}

// NewManager creates a session manager. emitter may be nil.
func NewManager(dialer Dialer, creds *config.Credentials, deviceID string, topics Topics,
	queue *printer.Queue, status *watch.Signal[Status], opts Options, emitter EventEmitter, logger zerolog.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		creds:    creds,
		topics:   topics,
		deviceID: deviceID,
		queue:    queue,
		status:   status,
		opts:     opts,
		emitter:  emitter,
		log:      logger.With().Str("component", "messaging").Logger(),
		after:    time.After,
	}
}

// Connected reports whether a session is currently active.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Sessions returns how many sessions have been established.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Run keeps a session alive until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Str("broker", m.dialer.Broker()).
		Str("inbound", m.topics.Inbound).Str("outbound", m.topics.Outbound).
		Msg("session manager started")
	for {
		t, err := m.dial(ctx)
		if err != nil {
			return err
		}
		err = m.session(ctx, t)
		t.Close()
		m.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn().Err(err).Msg("session ended, rebuilding")
		if m.emitter != nil {
			m.emitter.EmitSessionDown(err)
		}
	}
}

// dial retries without limit; only ctx stops it.
func (m *Manager) dial(ctx context.Context) (Transport, error) {
	for attempt := 1; ; attempt++ {
		t, err := m.dialer.Dial(ctx)
		if err == nil {
			m.log.Info().Str("broker", m.dialer.Broker()).Int("attempt", attempt).Msg("broker reachable")
			return t, nil
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("broker dial failed")
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) session(ctx context.Context, t Transport) error {
	user, password := m.creds.Broker()
	if err := m.retry(ctx, "authenticate", ErrAuthExhausted, func() error {
		return t.Authenticate(ctx, user, password)
	}); err != nil {
		return err
	}
	if err := m.retry(ctx, "subscribe", ErrSubscribeExhausted, func() error {
		return t.Subscribe(ctx, m.topics.Inbound)
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.connected = true
	m.sessions++
	m.mu.Unlock()
	m.log.Info().Str("topic", m.topics.Inbound).Msg("session active")
	if m.emitter != nil {
		m.emitter.EmitSessionUp(m.dialer.Broker())
	}

	for {
		select {
		case st := <-m.status.C():
			if err := m.publishStatus(ctx, t, st); err != nil {
				return err
			}
		case msg, ok := <-t.Inbound():
			if !ok {
				return ErrNotConnected
			}
			if err := m.handleInbound(ctx, msg); err != nil {
				return err
			}
		case err := <-t.Errors():
			return fmt.Errorf("transport: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retry runs fn until it succeeds, allowing MaxRetries retries after the
// first failure. The failure after that returns exhausted.
func (m *Manager) retry(ctx context.Context, op string, exhausted error, fn func() error) error {
	failures := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		failures++
		m.log.Warn().Err(err).Str("op", op).Int("failures", failures).Msg("session step failed")
		if failures > m.opts.MaxRetries {
			return fmt.Errorf("%w: %v", exhausted, err)
		}
		if err := m.wait(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) publishStatus(ctx context.Context, t Transport, st Status) error {
	if err := t.Ping(ctx); err != nil {
		return fmt.Errorf("keep-alive: %w", err)
	}
	env, err := protocol.NewEnvelope(protocol.TypeDeviceStatus,
		protocol.Address{Role: protocol.RoleDevice, Node: m.deviceID}, st)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, m.topics.Outbound, data); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	m.log.Debug().Str("state", string(st.State)).Uint16("power_level", st.PowerLevel).Msg("status published")
	if m.emitter != nil {
		m.emitter.EmitStatusPublished(st)
	}
	return nil
}

// handleInbound drops malformed messages and blocks while the queue is full.
// Only a closed queue or cancelled ctx is an error.
func (m *Manager) handleInbound(ctx context.Context, msg Message) error {
	job, err := m.queue.Submit(ctx, printer.SourceMQTT, string(msg.Payload))
	switch {
	case err == nil:
		m.log.Info().Str("topic", msg.Topic).Str("job", job.ID.String()).Int("bytes", len(msg.Payload)).Msg("message queued")
		return nil
	case errors.Is(err, printer.ErrInvalidText), errors.Is(err, printer.ErrJobTooLarge):
		m.log.Warn().Err(err).Str("topic", msg.Topic).Msg("message dropped")
		return nil
	default:
		return err
	}
}

func (m *Manager) wait(ctx context.Context) error {
	select {
	case <-m.after(m.opts.RetryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}
