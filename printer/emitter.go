package printer

// EventEmitter receives job lifecycle notifications.
type EventEmitter interface {
	EmitJobQueued(job Job, depth int)
	EmitJobPrinted(job Job, lines, writeErrors int)
	EmitJobDropped(source Source, reason string)
}

type nopEmitter struct{}

func (nopEmitter) EmitJobQueued(Job, int) {}
func (nopEmitter) EmitJobPrinted(Job, int, int) {}
func (nopEmitter) EmitJobDropped(Source, string) {}
