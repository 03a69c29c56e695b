package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/power"
	"scribe/watch"
)

func TestReporter_Transitions(t *testing.T) {
	conds := watch.New[power.Condition](2)
	samples := watch.New[power.Sample](2)
	out := watch.NewSignal[Status]()
	r := NewReporter(conds, samples, out, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	wait := func() Status {
		t.Helper()
		wctx, wcancel := context.WithTimeout(ctx, time.Second)
		defer wcancel()
		st, err := out.Wait(wctx)
		require.NoError(t, err)
		return st
	}

	samples.Send(1500)
	conds.Send(power.Low)
	assert.Equal(t, Status{State: StateShuttingDown, PowerLevel: 1500}, wait())

	samples.Send(600)
	conds.Send(power.Normal)
	assert.Equal(t, Status{State: StateRegainedPower, PowerLevel: 600}, wait())
}

func TestReporter_HeartbeatRepeatsRememberedState(t *testing.T) {
	conds := watch.New[power.Condition](2)
	samples := watch.New[power.Sample](2)
	out := watch.NewSignal[Status]()
	r := NewReporter(conds, samples, out, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	st, err := out.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUp, st.State, "before any power loss the device is up")

	samples.Send(1200)
	conds.Send(power.Low)
	require.Eventually(t, func() bool {
		select {
		case st := <-out.C():
			return st.State == StateDown && st.PowerLevel == 1200
		default:
			return false
		}
	}, time.Second, time.Millisecond, "heartbeats after a loss report down")
}

func TestReporter_NoReceiverIsFatal(t *testing.T) {
	conds := watch.New[power.Condition](1)
	_, err := conds.Receiver()
	require.NoError(t, err)

	r := NewReporter(conds, watch.New[power.Sample](1), watch.NewSignal[Status](), time.Hour, zerolog.Nop())
	err = r.Run(context.Background())
	assert.ErrorIs(t, err, watch.ErrNoReceivers)
}

func TestTopics(t *testing.T) {
	tp := NewTopics("embedded/scribe/", "a4:0f:12:00:0b:7e")
	assert.Equal(t, "embedded/scribe/producer/a4:0f:12:00:0b:7e/#", tp.Inbound)
	assert.Equal(t, "embedded/scribe/client/a4:0f:12:00:0b:7e", tp.Outbound)
}

func TestKafkaTopic(t *testing.T) {
	tests := map[string]string{
		"embedded/scribe/producer/a4:0f:12:00:0b:7e/#": "embedded.scribe.producer.a4-0f-12-00-0b-7e",
		"embedded/scribe/client/a4:0f:12:00:0b:7e":     "embedded.scribe.client.a4-0f-12-00-0b-7e",
		"/lead/trail/":                                 "lead.trail",
		"spaces here":                                  "spaces-here",
	}
	for in, want := range tests {
		assert.Equal(t, want, KafkaTopic(in), in)
	}
}
