// Package report records what happened in each governance session: one
// immutable Result, Prometheus counters and a ring of recent violations.
package report

import (
	"fmt"
	"time"

	"github.com/psantana5/fortress/pkg/logging"
)

// Outcome is the final classification of a session
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeAdmissionRejected Outcome = "admission_rejected"
	OutcomeLimitFailure      Outcome = "limit_failure"
	OutcomeWorkloadFailure   Outcome = "workload_failure"
	OutcomeGuardianKill      Outcome = "guardian_termination"
	OutcomeSystemTrip        Outcome = "system_trip"
)

// ExitReason describes why a spawned workload process ended
type ExitReason string

const (
	ExitSuccess  ExitReason = "success"
	ExitError    ExitReason = "error"
	ExitSignal   ExitReason = "signal"
	ExitOOM      ExitReason = "oom"
	ExitCPULimit ExitReason = "cpu_limit"
	ExitUnknown  ExitReason = "unknown"
)

// Result is the immutable record of one session. Fill it once at the end.
type Result struct {
	SessionID string `json:"session_id"`
	Workload  string `json:"workload"`
	PID       int    `json:"pid,omitempty"`

	Profile       string  `json:"profile"`
	Ratio         float64 `json:"ratio"`
	Verdict       string  `json:"verdict"`
	WorkloadBytes uint64  `json:"workload_bytes"`

	Outcome    Outcome    `json:"outcome"`
	ExitCode   int        `json:"exit_code"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`

	PeakRSS uint64 `json:"peak_rss_bytes"`
	Error   string `json:"error,omitempty"`
}

// NewResult starts a result for a session
func NewResult(sessionID, workload string, start time.Time) *Result {
	return &Result{
		SessionID: sessionID,
		Workload:  workload,
		StartTime: start,
		Outcome:   OutcomeCompleted,
	}
}

// Finish stamps the end time and the outcome
func (r *Result) Finish(end time.Time, outcome Outcome, err error) {
	r.EndTime = end
	r.Duration = end.Sub(r.StartTime)
	r.Outcome = outcome
	if err != nil {
		r.Error = err.Error()
	}
}

// Succeeded reports a completed session
func (r *Result) Succeeded() bool {
	return r.Outcome == OutcomeCompleted
}

// Summary is the one-line form ops grep for
func (r *Result) Summary() string {
	s := fmt.Sprintf("SESSION %s | workload=%s | profile=%s | ratio=%.2f | verdict=%s | outcome=%s | runtime=%.1fs | peak_rss=%.2fGB",
		r.SessionID,
		r.Workload,
		r.Profile,
		r.Ratio,
		r.Verdict,
		r.Outcome,
		r.Duration.Seconds(),
		float64(r.PeakRSS)/(1<<30),
	)
	if r.PID > 0 {
		s += fmt.Sprintf(" | pid=%d | exit=%d", r.PID, r.ExitCode)
	}
	if r.ExitReason != "" {
		s += fmt.Sprintf(" | reason=%s", r.ExitReason)
	}
	return s
}

// LogSummary writes Summary at a level matching the outcome
func (r *Result) LogSummary(log *logging.Logger) {
	switch r.Outcome {
	case OutcomeCompleted:
		log.Info(r.Summary())
	case OutcomeSystemTrip:
		log.Critical(r.Summary())
	default:
		log.Warn(r.Summary())
	}
}
