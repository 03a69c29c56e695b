package printer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Port is the byte sink feeding the print mechanism.
type Port interface {
	Write(p []byte) (int, error)
}

// Gate reports when the mechanism can accept more data.
type Gate interface {
	WaitReady(ctx context.Context) error
}

// WriterOptions controls page layout.
type WriterOptions struct {
	LineWidth    int
	TrailerLines int
	// UpsideDown sends lines last-first with the head rotated 180 degrees, so
	// the tear-off reads top to bottom.
	UpsideDown  bool
	SettleDelay time.Duration
}

// DefaultWriterOptions matches a 58mm mechanism in the enclosure.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		LineWidth:    32,
		TrailerLines: 3,
		UpsideDown:   true,
		SettleDelay:  50 * time.Millisecond,
	}
}

// Writer is the single consumer of the queue. It owns the port exclusively.
type Writer struct {
	queue   *Queue
	port    Port
	gate    Gate
	opts    WriterOptions
	emitter EventEmitter
	log     zerolog.Logger
}

// NewWriter creates a writer draining queue into port.
func NewWriter(queue *Queue, port Port, gate Gate, opts WriterOptions, emitter EventEmitter, logger zerolog.Logger) *Writer {
	if gate == nil {
		gate = AlwaysReady{}
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Writer{
		queue:   queue,
		port:    port,
		gate:    gate,
		opts:    opts,
		emitter: emitter,
		log:     logger.With().Str("component", "printer").Logger(),
	}
}

// Run initializes the mechanism, then prints jobs until ctx ends or the
// queue is closed and drained.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return err
	}
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if _, err := w.Print(ctx, job); err != nil {
			return err
		}
	}
}

func (w *Writer) initialize(ctx context.Context) error {
	if _, err := w.send(ctx, cmdReset()); err != nil {
		return err
	}
	select {
	case <-time.After(w.opts.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := w.send(ctx, cmdDensity(densityDots, densityTime, densityInterval)); err != nil {
		return err
	}
	if _, err := w.send(ctx, cmdUpsideDown(w.opts.UpsideDown)); err != nil {
		return err
	}
	w.log.Info().Bool("upside_down", w.opts.UpsideDown).Msg("printer initialized")
	return nil
}

// Print formats and transmits one job. Only a cancelled ctx aborts it;
// a failed write loses that chunk and printing continues.
func (w *Writer) Print(ctx context.Context, job Job) (int, error) {
	lines := Format(job.Text, w.opts.LineWidth)
	if w.opts.UpsideDown {
		lines = Reverse(lines)
	}
	if len(lines) == 0 {
		w.log.Debug().Str("job", job.ID.String()).Msg("blank job, nothing to print")
		w.emitter.EmitJobPrinted(job, 0, 0)
		return 0, nil
	}
	w.log.Info().Str("job", job.ID.String()).Str("source", string(job.Source)).
		Int("lines", len(lines)).Msg("printing")

	failed := 0
	for _, line := range lines {
		ok, err := w.send(ctx, cmdLine(line))
		if err != nil {
			return failed, err
		}
		if !ok {
			failed++
		}
	}
	for i := 0; i < w.opts.TrailerLines; i++ {
		ok, err := w.send(ctx, cmdFeed())
		if err != nil {
			return failed, err
		}
		if !ok {
			failed++
		}
	}
	w.emitter.EmitJobPrinted(job, len(lines), failed)
	return failed, nil
}

// send waits for the gate and writes one chunk. ok is false when the port
// rejected the write; err is set only when ctx ended.
func (w *Writer) send(ctx context.Context, data []byte) (ok bool, err error) {
	if err := w.gate.WaitReady(ctx); err != nil {
		return false, err
	}
	n, err := w.port.Write(data)
	if err != nil {
		w.log.Warn().Err(err).Int("bytes", len(data)).Msg("printer write failed")
		return false, nil
	}
	w.log.Debug().Int("bytes", n).Msg("sent to printer")
	return true, nil
}
