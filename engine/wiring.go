package engine

import (
	"time"

	"github.com/google/uuid"

	"scribe/metrics"
)

// wireEventHandlers sets up the subscribers:
// every event → metrics
// job events → journal
// link, power, session and shutdown events → state mirror
func (e *Engine) wireEventHandlers() {
	e.Events.Subscribe(e.recordMetrics)

	if e.db != nil {
		e.Events.SubscribeTypes(e.journal, EventJobQueued, EventJobPrinted, EventJobDropped)
	}

	if e.mirror != nil {
		e.Events.SubscribeTypes(e.mirrorState,
			EventLinkState, EventPowerCondition, EventSessionUp, EventSessionDown,
			EventStatusPublished, EventShutdownState, EventJobPrinted)
	}
}

func (e *Engine) recordMetrics(evt Event) {
	switch p := evt.Payload.(type) {
	case LinkStateEvent:
		metrics.LinkState.Set(linkStateValue(p.State))
	case LinkAttemptEvent:
		result := "ok"
		if p.Error != "" {
			result = "error"
		}
		metrics.LinkAttempts.WithLabelValues(result).Inc()
	case PowerConditionEvent:
		v := 0.0
		if p.Condition == "low" {
			v = 1
		}
		metrics.PowerCondition.Set(v)
	case SensorErrorEvent:
		metrics.SensorErrors.Inc()
	case SessionEvent:
		if p.Connected {
			metrics.SessionUp.Set(1)
		} else {
			metrics.SessionUp.Set(0)
			metrics.SessionRebuilds.Inc()
		}
	case StatusPublishedEvent:
		metrics.StatusPublished.WithLabelValues(p.State).Inc()
	case JobQueuedEvent:
		metrics.JobsTotal.WithLabelValues(p.Source, "queued").Inc()
		metrics.QueueDepth.Set(float64(p.Depth))
	case JobPrintedEvent:
		metrics.JobsTotal.WithLabelValues(p.Source, "printed").Inc()
		metrics.JobLatency.Observe(time.Since(p.ReceivedAt).Seconds())
		metrics.PrinterWriteErrors.Add(float64(p.WriteErrors))
		metrics.QueueDepth.Set(float64(e.queue.Len()))
	case JobDroppedEvent:
		metrics.JobsTotal.WithLabelValues(p.Source, "dropped").Inc()
	}
}

func linkStateValue(state string) float64 {
	switch state {
	case "connecting":
		return 1
	case "up":
		return 2
	default:
		return 0
	}
}

func (e *Engine) journal(evt Event) {
	var err error
	switch p := evt.Payload.(type) {
	case JobQueuedEvent:
		err = e.db.RecordQueued(p.JobID, p.Source, p.Text, p.ReceivedAt)
	case JobPrintedEvent:
		err = e.db.MarkPrinted(p.JobID, p.Source, p.Text, p.ReceivedAt, p.Lines, p.WriteErrors)
	case JobDroppedEvent:
		err = e.db.RecordDropped(uuid.NewString(), p.Source, p.Reason, evt.Timestamp)
	}
	if err != nil {
		e.log.Error().Err(err).Int("event", int(evt.Type)).Msg("journal write failed")
	}
}

func (e *Engine) mirrorState(evt Event) {
	switch p := evt.Payload.(type) {
	case LinkStateEvent:
		e.mirror.Set(map[string]any{"link": p.State, "addr": p.Addr})
	case PowerConditionEvent:
		e.mirror.Set(map[string]any{"power": p.Condition, "power_level": p.Sample})
	case SessionEvent:
		e.mirror.Set(map[string]any{"session": p.Connected})
	case StatusPublishedEvent:
		e.mirror.Set(map[string]any{"status": p.State, "power_level": p.PowerLevel})
	case ShutdownStateEvent:
		e.mirror.Set(map[string]any{"shutdown": p.NewState})
	case JobPrintedEvent:
		e.mirror.Set(map[string]any{"last_job_id": p.JobID, "last_printed_at": evt.Timestamp.UTC().Format(time.RFC3339)})
	}
}
