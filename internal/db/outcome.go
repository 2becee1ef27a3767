package db

import "time"

// applyOutcome moves a claimed job to its next state. Both stores use it so
// the retry policy lives in one place.
func applyOutcome(job *Job, outcome Outcome, now time.Time) {
	job.ClaimedAt = nil
	job.ClaimedBy = nil
	job.UpdatedAt = now

	switch outcome.Kind {
	case OutcomeSent:
		job.Status = StatusSent
		job.AttemptCount++
		job.SentAt = &now
		job.LastError = nil

	case OutcomePermanent:
		job.Status = StatusFailed
		job.LastError = errorPtr(outcome.Error)

	case OutcomeRelease:
		job.Status = StatusPending
		job.LastError = errorPtr(outcome.Error)
		if !outcome.RetryAt.IsZero() {
			job.ScheduledAt = outcome.RetryAt
		}

	default:
		job.AttemptCount++
		job.LastError = errorPtr(outcome.Error)

		maxAttempts := outcome.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if job.AttemptCount >= maxAttempts {
			job.Status = StatusFailed
			return
		}

		job.Status = StatusPending
		if !outcome.RetryAt.IsZero() {
			job.ScheduledAt = outcome.RetryAt
		}
	}
}

func errorPtr(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}
