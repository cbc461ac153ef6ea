// Package engine implements the unit lifecycle: checklist synthesis, checkout
// and return with inspection, status projection, cancellation cascades and
// utilization. It talks to storage, notification and caching only through
// the interfaces declared here and in store.go.
package engine

import (
	"context"
	"time"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Event is a post-commit notification request.
type Event struct {
	Type       string
	RelatedID  int64
	Recipients []string
	Subject    string
	Body       string
}

// Notifier accepts events for asynchronous delivery. Enqueue must not block
// on delivery and must not fail the calling operation.
type Notifier interface {
	Enqueue(ctx context.Context, events ...Event) error
}

// ChecklistCache holds synthesized checklists for a short time.
type ChecklistCache interface {
	GetChecklist(ctx context.Context, unitID int64) ([]models.ChecklistLine, bool)
	SetChecklist(ctx context.Context, unitID int64, lines []models.ChecklistLine)
	InvalidateUnit(ctx context.Context, unitID int64)
	InvalidateAll(ctx context.Context)
}

type Engine struct {
	store    Store
	notifier Notifier
	cache    ChecklistCache
	log      *zap.Logger
	now      func() time.Time

	passwordCost int
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithChecklistCache(c ChecklistCache) Option { return func(e *Engine) { e.cache = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the wall clock used for audit timestamps and open-loan utilization.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithPasswordCost sets the bcrypt cost for new password hashes.
func WithPasswordCost(cost int) Option { return func(e *Engine) { e.passwordCost = cost } }

func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		log:          zap.NewNop(),
		now:          time.Now,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) today() models.Date {
	return models.NewDate(e.now())
}

// notify hands events to the notifier after commit. Failures are logged only.
func (e *Engine) notify(ctx context.Context, events []Event) {
	if e.notifier == nil || len(events) == 0 {
		return
	}
	if err := e.notifier.Enqueue(ctx, events...); err != nil {
		e.log.Warn("notification enqueue failed", zap.Error(err), zap.Int("events", len(events)))
	}
}
