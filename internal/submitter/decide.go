package submitter

import (
	"errors"
	"time"

	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/identity"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     backoff.Policy
}

// Outcome is the result class of one processing attempt.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

// Decision is the next state of a command after an attempt.
type Decision struct {
	Outcome       Outcome
	Status        model.CommandStatus
	Attempts      int
	NextAttemptAt time.Time
	ErrorCode     string
	ErrorMessage  string
}

// Decide maps the result of an attempt to the command's next state. attempts
// is the count before this attempt. It does no I/O.
func Decide(attempts int, err error, p RetryPolicy, now time.Time) Decision {
	if err == nil {
		return Decision{Outcome: OutcomeCommitted, Status: model.StatusCommitted, Attempts: attempts}
	}
	if errors.Is(err, identity.ErrUnroutable) || errors.Is(err, ledger.ErrUnknownIdentity) {
		return Decision{
			Outcome:      OutcomeFailed,
			Status:       model.StatusFailed,
			Attempts:     attempts,
			ErrorCode:    model.ErrorCodeUnroutable,
			ErrorMessage: err.Error(),
		}
	}
	attempts++
	var perm *ledger.PermanentError
	if errors.As(err, &perm) {
		return Decision{
			Outcome:      OutcomeFailed,
			Status:       model.StatusFailed,
			Attempts:     attempts,
			ErrorCode:    perm.Code,
			ErrorMessage: perm.Message,
		}
	}
	if attempts >= p.MaxAttempts {
		return Decision{
			Outcome:      OutcomeFailed,
			Status:       model.StatusFailed,
			Attempts:     attempts,
			ErrorCode:    model.ErrorCodeExhausted,
			ErrorMessage: err.Error(),
		}
	}
	return Decision{
		Outcome:       OutcomeRetry,
		Status:        model.StatusPending,
		Attempts:      attempts,
		NextAttemptAt: now.Add(p.Backoff.Delay(attempts)),
	}
}
