// Package shutdown powers the device off after mains has been gone for a
// grace period.
package shutdown

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scribe/power"
	"scribe/watch"
)

// Halter performs the final power-off.
type Halter interface {
	Halt(ctx context.Context) error
}

// CommandHalter runs a command such as "systemctl poweroff". With no
// command it only logs.
type CommandHalter struct {
	argv []string
	log  zerolog.Logger
}

func NewCommandHalter(argv []string, logger zerolog.Logger) *CommandHalter {
	return &CommandHalter{argv: argv, log: logger.With().Str("component", "shutdown").Logger()}
}

func (h *CommandHalter) Halt(ctx context.Context) error {
	if len(h.argv) == 0 {
		h.log.Warn().Msg("no halt command configured, staying up")
		return nil
	}
	out, err := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("halt %v: %w: %s", h.argv, err, out)
	}
	return nil
}

// Orchestrator follows the power condition: Low starts the grace period,
// Normal during the grace period cancels it, expiry halts the device. A
// request from the shutdown switch halts at once.
type Orchestrator struct {
	mu         sync.Mutex
	conditions *watch.Watch[power.Condition]
	requests   *watch.Watch[power.Sample]
	grace      time.Duration
	halter     Halter
	emitter    EventEmitter
	log        zerolog.Logger
	state      string
}

// NewOrchestrator creates an orchestrator in the running state.
func NewOrchestrator(conditions *watch.Watch[power.Condition], grace time.Duration, halter Halter, emitter EventEmitter, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		conditions: conditions,
		grace:      grace,
		halter:     halter,
		emitter:    emitter,
		log:        logger.With().Str("component", "shutdown").Logger(),
		state:      StateRunning,
	}
}

// WithSwitch makes requests raised by a Switch halt the device without a
// grace period. Call before Run.
func (o *Orchestrator) WithSwitch(sw *Switch) *Orchestrator {
	o.requests = sw.Requests()
	return o
}

// State returns the current state.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run follows the power condition until the device is halted or ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	rx, err := o.conditions.Receiver()
	if err != nil {
		o.log.Error().Err(err).Msg("no power condition receiver")
		return fmt.Errorf("shutdown: %w", err)
	}
	var reqRx *watch.Receiver[power.Sample]
	if o.requests != nil {
		if reqRx, err = o.requests.Receiver(); err != nil {
			o.log.Error().Err(err).Msg("no shutdown switch receiver")
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	var timer *time.Timer
	var expired <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var requested <-chan struct{}
		if reqRx != nil {
			requested = reqRx.Ready()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-rx.Ready():
			c, ok := rx.Take()
			if !ok {
				continue
			}
			switch {
			case c == power.Low && o.State() == StateRunning:
				o.transition(StatePending)
				o.log.Warn().Dur("grace", o.grace).Msg("power lost, shutdown pending")
				timer = time.NewTimer(o.grace)
				expired = timer.C
			case c == power.Normal && o.State() == StatePending:
				timer.Stop()
				timer, expired = nil, nil
				o.transition(StateRunning)
				o.log.Info().Msg("power regained, shutdown cancelled")
			}

		case <-requested:
			if _, ok := reqRx.Take(); !ok {
				continue
			}
			o.log.Warn().Msg("shutdown switch pressed, halting")
			return o.halt(ctx)

		case <-expired:
			o.log.Warn().Msg("grace period over, halting")
			return o.halt(ctx)
		}
	}
}

func (o *Orchestrator) halt(ctx context.Context) error {
	o.transition(StateHalted)
	if err := o.halter.Halt(ctx); err != nil {
		o.log.Error().Err(err).Msg("halt failed")
		return err
	}
	return nil
}

func (o *Orchestrator) transition(next string) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	if o.emitter != nil {
		o.emitter.EmitShutdownState(prev, next)
	}
}
