// Package quota tracks monthly unit budgets per credential.
//
// Admission checks the caller's estimate against the stored usage, and the
// real cost is committed after the work finishes. Between the two, several
// in-flight requests can each pass the check, so usage may exceed the limit
// by up to one request's worth of units per concurrent caller. Enforcing a
// hard ceiling would require reserving units at admission and refunding the
// difference afterwards; that is intentionally not done here.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/keyward/keyward/internal/model"
)

// Store is the persistence the accountant needs.
type Store interface {
	IncrementUsage(ctx context.Context, id string, units int64) error
	ResetUsage(ctx context.Context, id string, at time.Time) error
	ResetUsageIfStale(ctx context.Context, id string, periodStart, at time.Time) (bool, error)
	ResetOwnerUsage(ctx context.Context, ownerID string, periodStart, at time.Time) (int64, error)
	ResetAllUsage(ctx context.Context, periodStart, at time.Time) (int64, error)
}

// Status is the outcome of a quota check.
type Status struct {
	Allowed   bool  `json:"allowed"`
	Usage     int64 `json:"usage"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Requested int64 `json:"requested"`
}

// Accountant checks and commits unit consumption.
type Accountant struct {
	store Store
	now   func() time.Time
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) { a.now = now }
}

// New creates an Accountant backed by store.
func New(store Store, opts ...Option) *Accountant {
	a := &Accountant{store: store, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// CheckRemaining reports whether units more fit in cred's monthly budget. A
// credential already at or over its limit is denied regardless of units.
func (a *Accountant) CheckRemaining(cred *model.Credential, units int64) Status {
	if units < 0 {
		units = 0
	}
	st := Status{
		Usage:     cred.MonthlyUsage,
		Limit:     cred.MonthlyLimit,
		Remaining: cred.RemainingUnits(),
		Requested: units,
	}
	st.Allowed = cred.MonthlyUsage < cred.MonthlyLimit && cred.MonthlyUsage+units <= cred.MonthlyLimit
	return st
}

// Commit adds units to the stored usage with a single atomic increment.
// Each admitted request must be committed at most once.
func (a *Accountant) Commit(ctx context.Context, credentialID string, units int64) error {
	if units <= 0 {
		return nil
	}
	if err := a.store.IncrementUsage(ctx, credentialID, units); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// Reset zeroes a credential's usage immediately.
func (a *Accountant) Reset(ctx context.Context, credentialID string) error {
	if err := a.store.ResetUsage(ctx, credentialID, a.now().UTC()); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

// EnsureFresh resets cred if its last reset happened before the current
// calendar month. It is safe to call concurrently: only one caller performs
// the reset. cred is updated in place when a reset happens.
func (a *Accountant) EnsureFresh(ctx context.Context, cred *model.Credential) (bool, error) {
	now := a.now().UTC()
	start := PeriodStart(now)
	if !cred.LastResetAt.Before(start) {
		return false, nil
	}
	reset, err := a.store.ResetUsageIfStale(ctx, cred.ID, start, now)
	if err != nil {
		return false, fmt.Errorf("roll over usage: %w", err)
	}
	// Whether this caller or a concurrent one reset the row, the stored
	// counter now belongs to the new period.
	cred.MonthlyUsage = 0
	cred.LastResetAt = now
	return reset, nil
}

// EnsureFreshForOwner rolls over every stale credential of one owner.
func (a *Accountant) EnsureFreshForOwner(ctx context.Context, ownerID string) (int64, error) {
	now := a.now().UTC()
	n, err := a.store.ResetOwnerUsage(ctx, ownerID, PeriodStart(now), now)
	if err != nil {
		return 0, fmt.Errorf("roll over owner usage: %w", err)
	}
	return n, nil
}

// ResetAll rolls over every stale credential. It is meant to be run by an
// external scheduler at the start of each month.
func (a *Accountant) ResetAll(ctx context.Context) (int64, error) {
	now := a.now().UTC()
	n, err := a.store.ResetAllUsage(ctx, PeriodStart(now), now)
	if err != nil {
		return 0, fmt.Errorf("roll over all usage: %w", err)
	}
	return n, nil
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
