package printer

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxJobBytes bounds the text of a single job.
const MaxJobBytes = 2048

var (
	ErrJobTooLarge = errors.New("print job exceeds maximum size")
	ErrInvalidText = errors.New("print job text is not valid UTF-8")
)

// Source identifies where a job came from.
type Source string

const (
	SourceWeb      Source = "web"
	SourceMQTT     Source = "mqtt"
	SourceSelfTest Source = "selftest"
)

// Job is one message to print. Jobs are values and are never modified after
// NewJob returns them.
type Job struct {
	ID         uuid.UUID
	Source     Source
	Text       string
	ReceivedAt time.Time
}

// NewJob validates text and stamps a new job. Empty text is accepted and
// prints nothing.
func NewJob(source Source, text string) (Job, error) {
	if len(text) > MaxJobBytes {
		return Job{}, fmt.Errorf("%w: %d bytes", ErrJobTooLarge, len(text))
	}
	if !utf8.ValidString(text) {
		return Job{}, ErrInvalidText
	}
	return Job{
		ID:         uuid.New(),
		Source:     source,
		Text:       text,
		ReceivedAt: time.Now(),
	}, nil
}
