package projector

import (
	"errors"
	"fmt"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
)

// ErrUnknownEvent is returned for an (event name, version) without a schema.
var ErrUnknownEvent = errors.New("unknown event")

// ValidationError describes a payload that does not match its schema.
type ValidationError struct {
	EventName string
	Version   string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.EventName, e.Version, e.Reason)
}

// AnomalyError halts a channel: an event arrived out of order or after a gap.
type AnomalyError struct {
	Channel    string
	Checkpoint *ledger.Position
	Got        ledger.Position
	Err        error
}

func (e *AnomalyError) Error() string {
	last := "none"
	if e.Checkpoint != nil {
		last = e.Checkpoint.String()
	}
	msg := fmt.Sprintf("checkpoint anomaly on %s: checkpoint %s, got %s", e.Channel, last, e.Got)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AnomalyError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that retrying cannot fix. The event goes
// to the dead-letter sink instead of being retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
