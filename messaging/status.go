package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scribe/power"
	"scribe/watch"
)

// State is the device state reported to the broker.
type State string

const (
	StateUp            State = "up"
	StateShuttingDown  State = "shutting_down"
	StateRegainedPower State = "regained_power"
	StateDown          State = "down"
)

// Status is the outbound status payload.
type Status struct {
	State      State  `json:"state"`
	PowerLevel uint16 `json:"power_level"`
}

// Reporter turns power transitions and a heartbeat into status updates for
// the session manager. Only the newest pending status is kept.
type Reporter struct {
	conditions *watch.Watch[power.Condition]
	samples    *watch.Watch[power.Sample]
	out        *watch.Signal[Status]
	interval   time.Duration
	log        zerolog.Logger
}

// NewReporter creates a reporter publishing into out.
func NewReporter(conditions *watch.Watch[power.Condition], samples *watch.Watch[power.Sample],
	out *watch.Signal[Status], interval time.Duration, logger zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		conditions: conditions,
		samples:    samples,
		out:        out,
		interval:   interval,
		log:        logger.With().Str("component", "status").Logger(),
	}
}

// Run reports until ctx ends. Failing to obtain a power receiver is fatal
// for this task only.
func (r *Reporter) Run(ctx context.Context) error {
	condRx, err := r.conditions.Receiver()
	if err != nil {
		r.log.Error().Err(err).Msg("no power condition receiver")
		return fmt.Errorf("status reporter: %w", err)
	}
	sampleRx, err := r.samples.Receiver()
	if err != nil {
		r.log.Error().Err(err).Msg("no power sample receiver")
		return fmt.Errorf("status reporter: %w", err)
	}

	remembered := StateUp
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-condRx.Ready():
			c, ok := condRx.Take()
			if !ok {
				continue
			}
			switch c {
			case power.Low:
				r.emit(StateShuttingDown, sampleRx)
				remembered = StateDown
			case power.Normal:
				r.emit(StateRegainedPower, sampleRx)
				remembered = StateUp
			}
		case <-ticker.C:
			r.emit(remembered, sampleRx)
		}
	}
}

func (r *Reporter) emit(state State, samples *watch.Receiver[power.Sample]) {
	level, _ := samples.Peek()
	r.out.Signal(Status{State: state, PowerLevel: uint16(level)})
}
