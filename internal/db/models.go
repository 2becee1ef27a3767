package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which notification a job delivers
type Kind string

const (
	KindRegistrationConfirmation Kind = "registration_confirmation"
	KindReminder7d               Kind = "reminder_7d"
	KindReminder3d               Kind = "reminder_3d"
	KindReminder1d               Kind = "reminder_1d"
	KindReminder30m              Kind = "reminder_30m"
	KindLiveNow                  Kind = "live_now"
	KindCPDAwarded               Kind = "cpd_awarded"
)

// Kinds lists every notification kind in schedule order
var Kinds = []Kind{
	KindRegistrationConfirmation,
	KindReminder7d,
	KindReminder3d,
	KindReminder1d,
	KindReminder30m,
	KindLiveNow,
	KindCPDAwarded,
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status constants
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a job in this status will never change again
func IsTerminal(status string) bool {
	return status == StatusSent || status == StatusFailed || status == StatusCancelled
}

// ClaimExpiredError is recorded as last_error when an abandoned claim is
// taken over
const ClaimExpiredError = "claim expired before completion"

var (
	// ErrDuplicateJob is returned by Enqueue when a non-cancelled job already
	// exists for the same (registration_id, kind). Callers treat it as a no-op.
	ErrDuplicateJob = errors.New("duplicate job: registration already has an active job of this kind")

	// ErrClaimConflict means a completion was attempted for a job the worker
	// no longer owns. Dispatchers never send once a claim could expire, so
	// after a send it means claims are not atomic.
	ErrClaimConflict = errors.New("claim conflict: job is not claimed by this worker")

	// ErrJobNotFound is returned when no job matches the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoMailSettings is returned when no active mail_settings row exists.
	ErrNoMailSettings = errors.New("no active mail settings")
)

// Snapshot holds the recipient and event data copied at scheduling time so
// rendering never has to dereference live registration or event state.
type Snapshot struct {
	RecipientEmail string    `json:"recipient_email"`
	RecipientName  string    `json:"recipient_name"`
	EventTitle     string    `json:"event_title"`
	EventStart     time.Time `json:"event_start"`
	TimeZone       string    `json:"time_zone,omitempty"`
	EventLocation  string    `json:"event_location,omitempty"`
	EventLink      string    `json:"event_link,omitempty"`
	CPDPoints      *float64  `json:"cpd_points,omitempty"`
}

// Job is one scheduled notification
type Job struct {
	ID              uuid.UUID  `json:"id"`
	RegistrationID  string     `json:"registration_id"`
	EventID         string     `json:"event_id"`
	RecipientUserID string     `json:"recipient_user_id"`
	Kind            Kind       `json:"kind"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	Status          string     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	LastError       *string    `json:"last_error,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy       *string    `json:"claimed_by,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Snapshot        Snapshot   `json:"snapshot"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OutcomeKind tells Complete how a claimed job ended
type OutcomeKind int

const (
	// OutcomeSent marks the job sent
	OutcomeSent OutcomeKind = iota
	// OutcomeRetry consumes one attempt and returns the job to pending, or
	// fails it once attempts are exhausted
	OutcomeRetry
	// OutcomePermanent fails the job immediately without consuming an attempt
	OutcomePermanent
	// OutcomeRelease returns the job to pending without consuming an attempt
	OutcomeRelease
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	case OutcomeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt
type Outcome struct {
	Kind        OutcomeKind
	Error       string
	MaxAttempts int
	// RetryAt is when a retried or released job becomes eligible again.
	// Zero means immediately.
	RetryAt time.Time
}

// MailSettings is the persisted delivery configuration
type MailSettings struct {
	ID          int64     `json:"id"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username"`
	Password    string    `json:"-"`
	FromAddress string    `json:"from_address"`
	FromName    string    `json:"from_name"`
	TestMode    bool      `json:"test_mode"`
	TestAddress string    `json:"test_address"`
	UpdatedAt   time.Time `json:"updated_at"`
}
