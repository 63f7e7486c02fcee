// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package budget tracks cumulative spend against a hard ceiling.
//
// Spend moves through two phases. Reserve takes a provisional hold before a
// cost-incurring call; the returned Reservation is then settled exactly once,
// either by Commit with the metered cost or by Release when nothing was
// billed. All ledger state sits behind one mutex that is held only for the
// arithmetic, never across an external call.
package budget

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// DefaultWarningThreshold is the fraction of the ceiling at which a warning fires.
const DefaultWarningThreshold = 0.8

// ErrAlreadySettled is returned when a reservation is committed or released twice.
var ErrAlreadySettled = errors.New("budget: reservation already settled")

// Config configures a Ledger.
type Config struct {
	// Ceiling is the hard spend limit for the current period.
	Ceiling Amount

	// WarningThreshold is the fraction of Ceiling (0, 1] at which OnWarning fires.
	// Default: 0.8
	WarningThreshold float64

	// OpeningSpent seeds the period's committed spend, e.g. from a store
	// after a process restart.
	OpeningSpent Amount

	// OnWarning is called (outside the ledger lock) each time committed
	// spend crosses the warning threshold.
	OnWarning func(Snapshot)

	// Logger for ledger alerts. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	Ceiling     Amount
	Spent       Amount
	Reserved    Amount
	Remaining   Amount
	WarningAt   Amount
	Exhausted   bool
	PeriodStart time.Time
}

// Ledger is a process-wide spend ledger. It is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	ceiling  Amount
	spent    Amount
	reserved Amount
	warnAt   Amount
	warned   bool
	overrun  bool
	period   time.Time

	onWarning func(Snapshot)
	logger    *slog.Logger
	now       func() time.Time

	// warnLog throttles the repeated "above threshold" log line.
	warnLog rate.Sometimes
}

// NewLedger creates a ledger from cfg.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Ceiling < 0 {
		return nil, &pwerrors.ValidationError{Field: "ceiling", Message: "must not be negative"}
	}
	if cfg.OpeningSpent < 0 {
		return nil, &pwerrors.ValidationError{Field: "opening_spent", Message: "must not be negative"}
	}
	threshold := cfg.WarningThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultWarningThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	l := &Ledger{
		ceiling:   cfg.Ceiling,
		spent:     cfg.OpeningSpent,
		warnAt:    Amount(float64(cfg.Ceiling) * threshold),
		onWarning: cfg.OnWarning,
		logger:    logger.With("component", "budget"),
		now:       now,
		period:    PeriodStart(now()),
		warnLog:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
	l.warned = l.spent >= l.warnAt && l.ceiling > 0
	return l, nil
}

// Reservation is a provisional hold on ledger headroom.
type Reservation struct {
	ledger  *Ledger
	amount  Amount
	settled bool
}

// Amount returns the reserved amount.
func (r *Reservation) Amount() Amount {
	return r.amount
}

// Reserve provisionally holds amount. It fails closed with
// *errors.BudgetExceededError when the hold would exceed the ceiling or the
// ledger is already exhausted.
func (l *Ledger) Reserve(amount Amount) (*Reservation, error) {
	if amount < 0 {
		return nil, &pwerrors.ValidationError{Field: "amount", Message: "reservation must not be negative"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.remainingLocked()
	if l.exhaustedLocked() || amount > remaining {
		return nil, &pwerrors.BudgetExceededError{
			Requested: int64(amount),
			Remaining: int64(remaining),
			Ceiling:   int64(l.ceiling),
		}
	}

	l.reserved += amount
	return &Reservation{ledger: l, amount: amount}, nil
}

// Commit settles the reservation at the metered cost. An actual cost above
// the reservation is recorded as billed; if it pushes the ledger past the
// ceiling the ledger closes and denies every later reservation.
func (r *Reservation) Commit(actual Amount) error {
	if actual < 0 {
		actual = 0
	}
	l := r.ledger

	l.mu.Lock()
	if r.settled {
		l.mu.Unlock()
		return ErrAlreadySettled
	}
	r.settled = true
	l.reserved -= r.amount
	l.spent += actual

	if l.spent+l.reserved > l.ceiling {
		l.overrun = true
		l.logger.Error("committed cost overran budget ceiling",
			"reserved_usd", r.amount.Dollars(),
			"actual_usd", actual.Dollars(),
			"spent_usd", l.spent.Dollars(),
			"ceiling_usd", l.ceiling.Dollars(),
		)
	}

	fire := false
	if l.ceiling > 0 && l.spent >= l.warnAt {
		if !l.warned {
			l.warned = true
			fire = true
		}
		spent, ceiling := l.spent, l.ceiling
		l.warnLog.Do(func() {
			l.logger.Warn("budget warning threshold reached",
				"spent_usd", spent.Dollars(),
				"ceiling_usd", ceiling.Dollars(),
				"percent", float64(spent)/float64(ceiling)*100,
			)
		})
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if fire && l.onWarning != nil {
		l.onWarning(snap)
	}
	return nil
}

// Release returns the reservation unspent.
func (r *Reservation) Release() error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.settled {
		return ErrAlreadySettled
	}
	r.settled = true
	l.reserved -= r.amount
	return nil
}

// Exhausted reports whether every further reservation will be denied.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhaustedLocked()
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Rollover starts a new accounting period when now falls in a later calendar
// month than the current period. Committed spend resets; outstanding
// reservations carry over. Returns true if a new period began.
func (l *Ledger) Rollover(now time.Time) bool {
	start := PeriodStart(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !start.After(l.period) {
		return false
	}
	l.logger.Info("budget period rolled over",
		"previous_period", l.period.Format("2006-01"),
		"previous_spent_usd", l.spent.Dollars(),
	)
	l.period = start
	l.spent = 0
	l.warned = false
	l.overrun = false
	return true
}

func (l *Ledger) exhaustedLocked() bool {
	return l.overrun || l.spent >= l.ceiling
}

func (l *Ledger) remainingLocked() Amount {
	rem := l.ceiling - l.spent - l.reserved
	if rem < 0 {
		return 0
	}
	return rem
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		Ceiling:     l.ceiling,
		Spent:       l.spent,
		Reserved:    l.reserved,
		Remaining:   l.remainingLocked(),
		WarningAt:   l.warnAt,
		Exhausted:   l.exhaustedLocked(),
		PeriodStart: l.period,
	}
}

// PeriodStart returns the start of the calendar month (UTC) containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
