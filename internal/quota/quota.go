// Package quota tracks the daily remote operation budget.
//
// The ledger persists one entry per calendar day. The first observation of a
// new local day resets consumption to zero; charges are written through to the
// persister before they are reported as accepted.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ytsubs/internal/storage"
)

// Op is a remote operation kind with a fixed cost.
type Op string

const (
	// OpList is one page of a listing call.
	OpList Op = "list"
	// OpRead is one metadata lookup (channel detail, playlist items).
	OpRead Op = "read"
	// OpWrite is one mutating call such as subscribe.
	OpWrite Op = "write"
	// OpSearch is one search call.
	OpSearch Op = "search"
)

// Costs is the remote service's per-operation cost in quota units.
var Costs = map[Op]int{
	OpList:   1,
	OpRead:   1,
	OpWrite:  50,
	OpSearch: 100,
}

// DefaultDailyLimit leaves headroom below the remote cap of 10000 units.
const DefaultDailyLimit = 9000

const dateLayout = "2006-01-02"

// Entry is the persisted ledger record.
type Entry struct {
	Date     string `json:"date"`
	Consumed int    `json:"consumed"`
}

// Persister loads and stores the ledger entry.
type Persister interface {
	Load() (Entry, error)
	Save(Entry) error
}

// Cost returns the cost of count operations of kind op.
func Cost(op Op, count int) (int, error) {
	unit, ok := Costs[op]
	if !ok {
		return 0, fmt.Errorf("quota: unknown operation %q", op)
	}
	if count < 0 {
		return 0, fmt.Errorf("quota: negative count %d", count)
	}
	return unit * count, nil
}

// Ledger accounts quota consumption for the current day.
type Ledger struct {
	mu     sync.Mutex
	limit  int
	store  Persister
	entry  Entry
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New loads the ledger from store. Missing or unreadable state starts the day at zero.
func New(limit int, store Persister, opts ...Option) *Ledger {
	l := &Ledger{
		limit:  limit,
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	entry, err := store.Load()
	switch {
	case err == nil:
		l.entry = entry
	case errors.Is(err, storage.ErrNotFound):
	default:
		l.logger.Warn("quota state unreadable, starting from zero", "error", err)
	}
	if l.entry.Consumed < 0 {
		l.entry.Consumed = 0
	}
	return l
}

// rollover resets the entry when the calendar day has changed. Caller holds mu.
func (l *Ledger) rollover() {
	today := l.now().Format(dateLayout)
	if l.entry.Date != today {
		if l.entry.Date != "" {
			l.logger.Info("quota day rolled over", "previous", l.entry.Date, "consumed", l.entry.Consumed)
		}
		l.entry = Entry{Date: today}
	}
}

func (l *Ledger) remaining() int {
	if r := l.limit - l.entry.Consumed; r > 0 {
		return r
	}
	return 0
}

// Charge commits the cost of count operations of kind op if the budget allows it.
// A refused charge, or one whose persistence fails, leaves consumption unchanged.
func (l *Ledger) Charge(op Op, count int) (bool, error) {
	cost, err := Cost(op, count)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()
	if l.remaining() < cost {
		return false, nil
	}

	next := l.entry
	next.Consumed += cost
	if err := l.store.Save(next); err != nil {
		return false, fmt.Errorf("quota: persist charge: %w", err)
	}
	l.entry = next
	return true, nil
}

// Record accounts for count operations of kind op that already ran. Unlike
// Charge it never refuses; consumption is clamped at the daily limit and the
// number of units actually added is returned.
func (l *Ledger) Record(op Op, count int) (int, error) {
	cost, err := Cost(op, count)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()
	added := min(cost, l.remaining())
	if added == 0 {
		return 0, nil
	}
	next := l.entry
	next.Consumed += added
	if err := l.store.Save(next); err != nil {
		return 0, fmt.Errorf("quota: persist spend: %w", err)
	}
	l.entry = next
	return added, nil
}

// Affordable reports whether count operations of kind op fit in the remaining budget.
// Nothing is charged.
func (l *Ledger) Affordable(op Op, count int) bool {
	cost, err := Cost(op, count)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.remaining() >= cost
}

// Remaining returns the unconsumed budget for today.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.remaining()
}

// Consumed returns the units charged today.
func (l *Ledger) Consumed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.entry.Consumed
}

// Limit returns the configured daily limit.
func (l *Ledger) Limit() int {
	return l.limit
}

// NextReset returns the next local midnight.
func (l *Ledger) NextReset() time.Time {
	now := l.now()
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// EstimateCapacity returns how many units of work costing costPerUnit fit in remaining.
func EstimateCapacity(remaining, costPerUnit int) int {
	if costPerUnit <= 0 || remaining <= 0 {
		return 0
	}
	return remaining / costPerUnit
}

// Forecast is an operator-facing capacity estimate.
type Forecast struct {
	Remaining   int
	Importable  int // subscriptions: one read plus one write each
	Enrichable  int // channels: two reads each
	NextResetAt time.Time
}

// Forecast summarizes what the remaining budget can still pay for.
func (l *Ledger) Forecast() Forecast {
	remaining := l.Remaining()
	return Forecast{
		Remaining:   remaining,
		Importable:  EstimateCapacity(remaining, Costs[OpRead]+Costs[OpWrite]),
		Enrichable:  EstimateCapacity(remaining, 2*Costs[OpRead]),
		NextResetAt: l.NextReset(),
	}
}

func (f Forecast) String() string {
	return fmt.Sprintf("%d units remaining: ~%d subscriptions importable, ~%d channels enrichable; resets %s",
		f.Remaining, f.Importable, f.Enrichable, f.NextResetAt.Format(time.RFC1123))
}
