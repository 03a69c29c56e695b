// Package netlink keeps the wireless link up for the lifetime of the process
// and reports when the IP stack is usable.
package netlink

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scribe/config"
	"scribe/watch"
)

// MaxStateReceivers bounds the link-state broadcast.
const MaxStateReceivers = 4

// LinkState is the supervisor's view of connectivity.
type LinkState int

const (
	Down LinkState = iota
	Connecting
	Up
)

func (s LinkState) String() string {
	switch s {
	case Down:
		return "down"
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	default:
		return "unknown"
	}
}

// AccessPoint is one scan result.
type AccessPoint struct {
	BSSID  string
	SSID   string
	Signal int
}

// Radio drives the wireless controller.
type Radio interface {
	Started() bool
	Configure(ssid, password string) error
	Start(ctx context.Context) error
	Scan(ctx context.Context, limit int) ([]AccessPoint, error)
	Connect(ctx context.Context) error
	Connected() bool
	WaitDisconnect(ctx context.Context) error
}

// EventEmitter receives link lifecycle notifications.
type EventEmitter interface {
	EmitLinkState(state LinkState, addr netip.Addr)
	EmitLinkAttempt(attempt int, err error)
}

// Options tunes the supervisor.
type Options struct {
	Scan      bool
	ScanMax   int
	Cooldown  time.Duration
	ReadyPoll time.Duration
}

// DefaultOptions mirrors the stock firmware timings.
func DefaultOptions() Options {
	return Options{
		Scan:      true,
		ScanMax:   10,
		Cooldown:  5 * time.Second,
		ReadyPoll: 500 * time.Millisecond,
	}
}

// Supervisor owns the link. There is no retry ceiling: a failed attempt is
// followed by a cooldown and another attempt, forever.
type Supervisor struct {
	radio   Radio
	stack   Stack
	creds   *config.Credentials
	opts    Options
	emitter EventEmitter
	log     zerolog.Logger

	state *watch.Watch[LinkState]
	after func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	addr     netip.Addr
	attempts int
}

// NewSupervisor creates a supervisor. emitter may be nil.
func NewSupervisor(radio Radio, stack Stack, creds *config.Credentials, opts Options, emitter EventEmitter, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		radio:   radio,
		stack:   stack,
		creds:   creds,
		opts:    opts,
		emitter: emitter,
		log:     logger.With().Str("component", "netlink").Logger(),
		state:   watch.New[LinkState](MaxStateReceivers),
		after:   time.After,
	}
	s.state.Send(Down)
	return s
}

// State is the link-state broadcast.
func (s *Supervisor) State() *watch.Watch[LinkState] { return s.state }

// Addr returns the address seen when the link last came up.
func (s *Supervisor) Addr() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Attempts returns the number of connect attempts so far.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Run supervises the link until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Msg("connectivity supervisor started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.radio.Connected() {
			s.holdLink(ctx)
			if err := s.cooldown(ctx); err != nil {
				return err
			}
			continue
		}

		if !s.radio.Started() {
			if err := s.startRadio(ctx); err != nil {
				s.log.Warn().Err(err).Msg("radio start failed")
				s.setState(Down, netip.Addr{})
				if err := s.cooldown(ctx); err != nil {
					return err
				}
				continue
			}
		}

		s.setState(Connecting, netip.Addr{})
		n := s.nextAttempt()
		err := s.radio.Connect(ctx)
		if s.emitter != nil {
			s.emitter.EmitLinkAttempt(n, err)
		}
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", n).Msg("wifi connect failed")
			s.setState(Down, netip.Addr{})
			if err := s.cooldown(ctx); err != nil {
				return err
			}
			continue
		}
		s.log.Info().Int("attempt", n).Msg("wifi connected")
	}
}

func (s *Supervisor) startRadio(ctx context.Context) error {
	ssid, password := s.creds.Wifi()
	if err := s.radio.Configure(ssid, password); err != nil {
		return err
	}
	s.log.Info().Str("ssid", ssid).Msg("starting radio")
	if err := s.radio.Start(ctx); err != nil {
		return err
	}
	if s.opts.Scan {
		aps, err := s.radio.Scan(ctx, s.opts.ScanMax)
		if err != nil {
			s.log.Warn().Err(err).Msg("scan failed")
		}
		for _, ap := range aps {
			s.log.Info().Str("ssid", ap.SSID).Str("bssid", ap.BSSID).Int("signal", ap.Signal).Msg("access point")
		}
	}
	return nil
}

// holdLink publishes Up once the stack is ready and returns when the radio
// reports a disconnect.
func (s *Supervisor) holdLink(ctx context.Context) {
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		addr, err := WaitReady(readyCtx, s.stack, s.opts.ReadyPoll)
		if err != nil {
			return
		}
		s.log.Info().Str("addr", addr.String()).Msg("link up")
		s.setState(Up, addr)
	}()

	err := s.radio.WaitDisconnect(ctx)
	cancel()
	<-done
	if err != nil {
		return
	}
	s.log.Warn().Msg("wifi disconnected")
	s.setState(Down, netip.Addr{})
}

func (s *Supervisor) cooldown(ctx context.Context) error {
	select {
	case <-s.after(s.opts.Cooldown):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Supervisor) setState(state LinkState, addr netip.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()

	if cur, ok := s.state.Peek(); ok && cur == state && state != Up {
		return
	}
	s.state.Send(state)
	if s.emitter != nil {
		s.emitter.EmitLinkState(state, addr)
	}
}
