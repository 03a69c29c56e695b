package engine

import (
	"net/netip"

	"scribe/messaging"
	"scribe/metrics"
	"scribe/netlink"
	"scribe/power"
	"scribe/printer"
)

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// printerEmitter adapts the engine's EventBus to the printer.EventEmitter interface.
type printerEmitter struct {
	bus *EventBus
}

func (e *printerEmitter) EmitJobQueued(job printer.Job, depth int) {
	e.bus.Emit(Event{Type: EventJobQueued, Payload: JobQueuedEvent{
		JobID: job.ID.String(), Source: string(job.Source), Text: job.Text,
		ReceivedAt: job.ReceivedAt, Depth: depth,
	}})
}

func (e *printerEmitter) EmitJobPrinted(job printer.Job, lines, writeErrors int) {
	e.bus.Emit(Event{Type: EventJobPrinted, Payload: JobPrintedEvent{
		JobID: job.ID.String(), Source: string(job.Source), Text: job.Text,
		ReceivedAt: job.ReceivedAt, Lines: lines, WriteErrors: writeErrors,
	}})
}

func (e *printerEmitter) EmitJobDropped(source printer.Source, reason string) {
	e.bus.Emit(Event{Type: EventJobDropped, Payload: JobDroppedEvent{Source: string(source), Reason: reason}})
}

// powerEmitter adapts the engine's EventBus to the power.EventEmitter
// interface. Samples arrive every tick and only feed the gauge.
type powerEmitter struct {
	bus *EventBus
}

func (e *powerEmitter) EmitPowerSample(s power.Sample) {
	metrics.PowerSample.Set(float64(s))
}

func (e *powerEmitter) EmitPowerCondition(c power.Condition, s power.Sample) {
	e.bus.Emit(Event{Type: EventPowerCondition, Payload: PowerConditionEvent{Condition: c.String(), Sample: uint16(s)}})
}

func (e *powerEmitter) EmitSensorError(err error) {
	e.bus.Emit(Event{Type: EventSensorError, Payload: SensorErrorEvent{Error: errString(err)}})
}

// linkEmitter adapts the engine's EventBus to the netlink.EventEmitter interface.
type linkEmitter struct {
	bus *EventBus
}

func (e *linkEmitter) EmitLinkState(state netlink.LinkState, addr netip.Addr) {
	evt := LinkStateEvent{State: state.String()}
	if addr.IsValid() {
		evt.Addr = addr.String()
	}
	e.bus.Emit(Event{Type: EventLinkState, Payload: evt})
}

func (e *linkEmitter) EmitLinkAttempt(attempt int, err error) {
	e.bus.Emit(Event{Type: EventLinkAttempt, Payload: LinkAttemptEvent{Attempt: attempt, Error: errString(err)}})
}

// sessionEmitter adapts the engine's EventBus to the messaging.EventEmitter interface.
type sessionEmitter struct {
	bus *EventBus
}

func (e *sessionEmitter) EmitSessionUp(broker string) {
	e.bus.Emit(Event{Type: EventSessionUp, Payload: SessionEvent{Broker: broker, Connected: true}})
}

func (e *sessionEmitter) EmitSessionDown(err error) {
	e.bus.Emit(Event{Type: EventSessionDown, Payload: SessionEvent{Connected: false, Error: errString(err)}})
}

func (e *sessionEmitter) EmitStatusPublished(st messaging.Status) {
	e.bus.Emit(Event{Type: EventStatusPublished, Payload: StatusPublishedEvent{
		State: string(st.State), PowerLevel: st.PowerLevel,
	}})
}

// shutdownEmitter adapts the engine's EventBus to the shutdown.EventEmitter interface.
type shutdownEmitter struct {
	bus *EventBus
}

func (e *shutdownEmitter) EmitShutdownState(oldState, newState string) {
	e.bus.Emit(Event{Type: EventShutdownState, Payload: ShutdownStateEvent{OldState: oldState, NewState: newState}})
}
