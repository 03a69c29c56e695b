// Package power samples the supply voltage and tracks whether the device is
// running on mains or has lost it.
package power

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"scribe/watch"
)

// Receiver bounds for the two broadcasts. A task that cannot get a receiver
// at startup cannot observe power and stops.
const (
	MaxSampleReceivers    = 4
	MaxConditionReceivers = 4
)

// Sample is one raw ADC reading of the supply divider.
type Sample uint16

// Condition is the debounced power state.
type Condition int

const (
	Normal Condition = iota
	Low
)

func (c Condition) String() string {
	switch c {
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Thresholds define the hysteresis band. Low is entered when a sample falls
// inside [Loss, USB] and left only when a sample drops to Normal or below,
// so samples between Normal and Loss never flip the state.
type Thresholds struct {
	Normal uint16
	Loss   uint16
	USB    uint16
}

// DefaultThresholds are calibrated for the stock divider.
func DefaultThresholds() Thresholds {
	return Thresholds{Normal: 700, Loss: 1000, USB: 2200}
}

// Next returns the condition after observing s while in cur.
func (t Thresholds) Next(cur Condition, s Sample) Condition {
	v := uint16(s)
	switch cur {
	case Normal:
		if v >= t.Loss && v <= t.USB {
			return Low
		}
	case Low:
		if v <= t.Normal {
			return Normal
		}
	}
	return cur
}

// Sensor reads one raw sample.
type Sensor interface {
	Read() (Sample, error)
}

// EventEmitter receives monitor observations.
type EventEmitter interface {
	EmitPowerSample(s Sample)
	EmitPowerCondition(c Condition, s Sample)
	EmitSensorError(err error)
}

// Monitor samples the sensor on a fixed period, republishes every sample and
// publishes the condition on each transition.
type Monitor struct {
	sensor     Sensor
	thresholds Thresholds
	interval   time.Duration
	emitter    EventEmitter
	log        zerolog.Logger

	samples    *watch.Watch[Sample]
	conditions *watch.Watch[Condition]

	// owned by Run
	cond      Condition
	sometimes rate.Sometimes
}

// NewMonitor creates a monitor. The initial condition is Normal.
func NewMonitor(sensor Sensor, th Thresholds, interval time.Duration, emitter EventEmitter, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Monitor{
		sensor:     sensor,
		thresholds: th,
		interval:   interval,
		emitter:    emitter,
		log:        logger.With().Str("component", "power").Logger(),
		samples:    watch.New[Sample](MaxSampleReceivers),
		conditions: watch.New[Condition](MaxConditionReceivers),
		cond:       Normal,
		sometimes:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Samples is the latest-value broadcast of raw readings.
func (m *Monitor) Samples() *watch.Watch[Sample] { return m.samples }

// Conditions carries only transitions.
func (m *Monitor) Conditions() *watch.Watch[Condition] { return m.conditions }

// Run samples until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).
		Uint16("normal", m.thresholds.Normal).
		Uint16("loss", m.thresholds.Loss).
		Uint16("usb", m.thresholds.USB).
		Msg("power monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.step()
		}
	}
}

func (m *Monitor) step() {
	s, err := m.sensor.Read()
	if err != nil {
		m.log.Warn().Err(err).Msg("sensor read failed")
		if m.emitter != nil {
			m.emitter.EmitSensorError(err)
		}
		return
	}

	m.samples.Send(s)
	if m.emitter != nil {
		m.emitter.EmitPowerSample(s)
	}
	m.sometimes.Do(func() {
		m.log.Debug().Uint16("sample", uint16(s)).Msg("power sample")
	})

	next := m.thresholds.Next(m.cond, s)
	if next == m.cond {
		return
	}
	m.cond = next
	m.conditions.Send(next)
	if next == Low {
		m.log.Warn().Uint16("sample", uint16(s)).Msg("power lost")
	} else {
		m.log.Info().Uint16("sample", uint16(s)).Msg("power restored")
	}
	if m.emitter != nil {
		m.emitter.EmitPowerCondition(next, s)
	}
}
