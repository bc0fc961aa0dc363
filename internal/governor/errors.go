package governor

import (
	"errors"
	"fmt"

	"github.com/psantana5/fortress/internal/preflight"
)

// Kind classifies why a governed session did not complete
type Kind string

const (
	KindAdmissionRejected      Kind = "admission_rejected"
	KindLimitApplicationFailed Kind = "limit_application_failed"
	KindWorkloadFailure        Kind = "workload_failure"
	KindGuardianTermination    Kind = "guardian_termination"
	KindSystemTrip             Kind = "system_trip"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its kind
var (
	ErrAdmissionRejected      = errors.New("admission rejected")
	ErrLimitApplicationFailed = errors.New("limit application failed")
	ErrWorkloadFailure        = errors.New("workload failed")
	ErrGuardianTermination    = errors.New("workload terminated by memory guardian")
	ErrSystemTrip             = errors.New("system circuit breaker tripped")
)

var sentinels = map[Kind]error{
	KindAdmissionRejected:      ErrAdmissionRejected,
	KindLimitApplicationFailed: ErrLimitApplicationFailed,
	KindWorkloadFailure:        ErrWorkloadFailure,
	KindGuardianTermination:    ErrGuardianTermination,
	KindSystemTrip:             ErrSystemTrip,
}

// Error is returned by Govern for every unsuccessful session
type Error struct {
	Kind      Kind
	SessionID string
	Message   string
	// Verdict is set for admission rejections
	Verdict *preflight.Verdict
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying workload or limit error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of a governor error, or "" for anything else
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
