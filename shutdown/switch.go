package shutdown

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"scribe/power"
	"scribe/watch"
)

// Switch defaults
const (
	DefaultSwitchInterval  = 5 * time.Second
	DefaultSwitchThreshold = 10
)

// Switch polls the shutdown line, a second ADC input that the board pulls
// to ground when the user asks for power-off. A reading below the threshold
// raises a request on Requests.
type Switch struct {
	sensor    power.Sensor
	interval  time.Duration
	threshold power.Sample
	requests  *watch.Watch[power.Sample]
	log       zerolog.Logger
}

func NewSwitch(sensor power.Sensor, interval time.Duration, threshold power.Sample, logger zerolog.Logger) *Switch {
	if interval <= 0 {
		interval = DefaultSwitchInterval
	}
	if threshold == 0 {
		threshold = DefaultSwitchThreshold
	}
	return &Switch{
		sensor:    sensor,
		interval:  interval,
		threshold: threshold,
		requests:  watch.New[power.Sample](1),
		log:       logger.With().Str("component", "shutdown-switch").Logger(),
	}
}

// Requests carries the reading that triggered each shutdown request.
func (s *Switch) Requests() *watch.Watch[power.Sample] { return s.requests }

// Run polls until ctx ends. Failed reads are retried on the next tick.
func (s *Switch) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Switch) poll() {
	v, err := s.sensor.Read()
	if err != nil {
		s.log.Warn().Err(err).Msg("shutdown line read failed")
		return
	}
	s.log.Debug().Uint16("value", uint16(v)).Msg("shutdown line")
	if v < s.threshold {
		s.log.Warn().Uint16("value", uint16(v)).Msg("shutdown requested")
		s.requests.Send(v)
	}
}
