// Package scheduler turns confirmed registrations into notification jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/templates"
)

// ErrInvalidRegistration is returned when input is missing required fields.
// Retrying the same input never succeeds.
var ErrInvalidRegistration = errors.New("invalid registration")

// ErrRegistrationWithdrawn is returned by Confirm for a registration that
// has been cancelled.
var ErrRegistrationWithdrawn = errors.New("registration withdrawn")

// Store is the part of the job store the generator writes to
type Store interface {
	Enqueue(ctx context.Context, job *db.Job) error
	FindActive(ctx context.Context, registrationID string, kind db.Kind) (*db.Job, error)
	CancelByRegistration(ctx context.Context, registrationID string, now time.Time) (int, error)
	Withdrawn(ctx context.Context, registrationID string) (bool, error)
}

// Recipient identifies who receives the notifications
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Event carries the event details copied into every job
type Event struct {
	Title    string `json:"title"`
	TimeZone string `json:"time_zone"`
	Location string `json:"location"`
	Link     string `json:"link"`
}

// Registration is a confirmed registration handed to the engine
type Registration struct {
	RegistrationID  string    `json:"registration_id"`
	EventID         string    `json:"event_id"`
	RecipientUserID string    `json:"recipient_user_id"`
	EventStart      time.Time `json:"event_start"`
	Recipient       Recipient `json:"recipient"`
	Event           Event     `json:"event"`
}

// Validate checks the fields every job needs
func (r Registration) Validate() error {
	switch {
	case strings.TrimSpace(r.RegistrationID) == "":
		return errors.New("registration_id is required")
	case strings.TrimSpace(r.EventID) == "":
		return errors.New("event_id is required")
	case strings.TrimSpace(r.RecipientUserID) == "":
		return errors.New("recipient_user_id is required")
	case strings.TrimSpace(r.Recipient.Email) == "":
		return errors.New("recipient.email is required")
	case r.EventStart.IsZero():
		return errors.New("event_start is required")
	case strings.TrimSpace(r.Event.Title) == "":
		return errors.New("event.title is required")
	}
	return nil
}

// offset places a kind relative to the event start. fromNow kinds are
// placed at generation time instead.
type offset struct {
	kind    db.Kind
	before  time.Duration
	fromNow bool
}

var schedule = []offset{
	{kind: db.KindRegistrationConfirmation, fromNow: true},
	{kind: db.KindReminder7d, before: 7 * 24 * time.Hour},
	{kind: db.KindReminder3d, before: 3 * 24 * time.Hour},
	{kind: db.KindReminder1d, before: 24 * time.Hour},
	{kind: db.KindReminder30m, before: 30 * time.Minute},
	{kind: db.KindLiveNow},
}

// Result reports what Generate did
type Result struct {
	Created []*db.Job `json:"created"`
	// Existing lists kinds that already had an active job
	Existing []db.Kind `json:"existing,omitempty"`
	// Discarded lists kinds whose fire time had already passed
	Discarded []db.Kind `json:"discarded,omitempty"`
	// Incomplete lists kinds skipped because the registration lacks a field
	// their template needs, e.g. live_now without an event link
	Incomplete []db.Kind `json:"incomplete,omitempty"`
	// ConfirmationOnly is set when the event had already started, so no
	// jobs were created
	ConfirmationOnly bool `json:"confirmation_only"`
}

// Config holds generator settings
type Config struct {
	// DefaultTimeZone applies when the event has none
	DefaultTimeZone string
	// LinkBase builds the event link from the event ID when the event has
	// none, e.g. "https://members.example.org/events/"
	LinkBase string
}

// Generator creates the job set for a registration
type Generator struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
	onJob  func(kind db.Kind)
}

// NewGenerator creates a Generator writing to store
func NewGenerator(store Store, cfg Config, logger *zap.Logger) *Generator {
	return &Generator{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// OnJobCreated registers a callback invoked for every job enqueued
func (g *Generator) OnJobCreated(fn func(kind db.Kind)) {
	g.onJob = fn
}

// Generate enqueues the reminder schedule for reg. It is idempotent:
// kinds that already have an active job are skipped, and a concurrent
// duplicate insert is treated as already present.
func (g *Generator) Generate(ctx context.Context, reg Registration) (*Result, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	now := g.now()
	result := &Result{}

	if !reg.EventStart.After(now) {
		result.ConfirmationOnly = true
		g.logger.Info("event already started, no jobs scheduled",
			zap.String("registration_id", reg.RegistrationID),
			zap.String("event_id", reg.EventID),
			zap.Time("event_start", reg.EventStart),
		)
		return result, nil
	}

	snapshot := g.snapshot(reg)

	for _, entry := range schedule {
		at := reg.EventStart.Add(-entry.before)
		if entry.fromNow {
			at = now
		}
		if at.Before(now) {
			result.Discarded = append(result.Discarded, entry.kind)
			continue
		}

		renderable, err := g.renderable(entry.kind, snapshot)
		if err != nil {
			return result, err
		}
		if !renderable {
			result.Incomplete = append(result.Incomplete, entry.kind)
			continue
		}

		job, err := g.enqueue(ctx, reg, entry.kind, at, snapshot)
		if err != nil {
			return result, err
		}
		if job == nil {
			result.Existing = append(result.Existing, entry.kind)
			continue
		}
		result.Created = append(result.Created, job)
	}

	g.logger.Info("registration scheduled",
		zap.String("registration_id", reg.RegistrationID),
		zap.String("event_id", reg.EventID),
		zap.Int("created", len(result.Created)),
		zap.Int("existing", len(result.Existing)),
		zap.Int("discarded", len(result.Discarded)),
	)
	if len(result.Incomplete) > 0 {
		g.logger.Warn("registration lacks fields for some notifications",
			zap.String("registration_id", reg.RegistrationID),
			zap.Any("skipped_kinds", result.Incomplete),
		)
	}

	return result, nil
}

// renderable reports whether kind can be rendered from snapshot. A missing
// field only rules out that kind; any other template error means the
// registration itself is unusable.
func (g *Generator) renderable(kind db.Kind, snapshot db.Snapshot) (bool, error) {
	_, err := templates.Render(kind, snapshot)
	if err == nil {
		return true, nil
	}
	var tplErr *templates.TemplateError
	if errors.As(err, &tplErr) && tplErr.Field != "" {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
}

// Confirm is Generate for at-least-once intake, where a confirmation may be
// redelivered or arrive after its cancellation. A registration whose jobs
// were cancelled and that has nothing outstanding is not scheduled again.
func (g *Generator) Confirm(ctx context.Context, reg Registration) (*Result, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	withdrawn, err := g.store.Withdrawn(ctx, reg.RegistrationID)
	if err != nil {
		return nil, fmt.Errorf("check registration %s: %w", reg.RegistrationID, err)
	}
	if withdrawn {
		g.logger.Info("ignoring confirmation for withdrawn registration",
			zap.String("registration_id", reg.RegistrationID),
			zap.String("event_id", reg.EventID),
		)
		return nil, ErrRegistrationWithdrawn
	}

	return g.Generate(ctx, reg)
}

// AwardCPD enqueues an immediate cpd_awarded notification. It returns nil
// job when one is already active for the registration.
func (g *Generator) AwardCPD(ctx context.Context, reg Registration, points float64) (*db.Job, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if points <= 0 {
		return nil, fmt.Errorf("%w: cpd points must be positive, got %v", ErrInvalidRegistration, points)
	}

	snapshot := g.snapshot(reg)
	snapshot.CPDPoints = &points
	if _, err := templates.Render(db.KindCPDAwarded, snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	job, err := g.enqueue(ctx, reg, db.KindCPDAwarded, g.now(), snapshot)
	if err != nil {
		return nil, err
	}
	if job != nil {
		g.logger.Info("cpd award notification scheduled",
			zap.String("registration_id", reg.RegistrationID),
			zap.Float64("points", points),
		)
	}
	return job, nil
}

// Cancel cancels the outstanding jobs of a registration. Jobs already
// being delivered finish normally.
func (g *Generator) Cancel(ctx context.Context, registrationID string) (int, error) {
	if strings.TrimSpace(registrationID) == "" {
		return 0, fmt.Errorf("%w: registration_id is required", ErrInvalidRegistration)
	}
	n, err := g.store.CancelByRegistration(ctx, registrationID, g.now())
	if err != nil {
		return 0, fmt.Errorf("cancel registration %s: %w", registrationID, err)
	}
	return n, nil
}

// enqueue inserts one job, returning nil when an active job already exists
func (g *Generator) enqueue(ctx context.Context, reg Registration, kind db.Kind, at time.Time, snapshot db.Snapshot) (*db.Job, error) {
	existing, err := g.store.FindActive(ctx, reg.RegistrationID, kind)
	if err != nil {
		return nil, fmt.Errorf("check existing %s job: %w", kind, err)
	}
	if existing != nil {
		return nil, nil
	}

	job := &db.Job{
		RegistrationID:  reg.RegistrationID,
		EventID:         reg.EventID,
		RecipientUserID: reg.RecipientUserID,
		Kind:            kind,
		ScheduledAt:     at,
		Status:          db.StatusPending,
		Snapshot:        snapshot,
	}

	err = g.store.Enqueue(ctx, job)
	if errors.Is(err, db.ErrDuplicateJob) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}

	if g.onJob != nil {
		g.onJob(kind)
	}
	return job, nil
}

func (g *Generator) snapshot(reg Registration) db.Snapshot {
	tz := reg.Event.TimeZone
	if tz == "" {
		tz = g.config.DefaultTimeZone
	}
	link := reg.Event.Link
	if link == "" && g.config.LinkBase != "" {
		link = strings.TrimRight(g.config.LinkBase, "/") + "/" + reg.EventID
	}
	return db.Snapshot{
		RecipientEmail: strings.TrimSpace(reg.Recipient.Email),
		RecipientName:  strings.TrimSpace(reg.Recipient.Name),
		EventTitle:     reg.Event.Title,
		EventStart:     reg.EventStart,
		TimeZone:       tz,
		EventLocation:  reg.Event.Location,
		EventLink:      link,
	}
}
