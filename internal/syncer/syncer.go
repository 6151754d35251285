// Package syncer drives quota-governed, resumable synchronization passes.
//
// A pass runs sequentially: one page in flight, one item enriched and merged at
// a time. The quota ledger is consulted before every remote call, progress is
// checkpointed after every accepted item, and operator cancellation is observed
// only between pages and items. Remote calls always run to completion.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/merge"
	"ytsubs/internal/quota"
	"ytsubs/internal/retry"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

// State is a pass's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateListing
	StateEnriching
	StatePaging
	// StateExhausted means the remote had nothing further to page through.
	StateExhausted
	// StateBudgetStopped is a planned stop: the daily quota cannot pay for the next call.
	StateBudgetStopped
	// StateCapStopped means the caller's operation cap was reached.
	StateCapStopped
	// StateCancelled means the operator cancelled; the checkpoint stays resumable.
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateListing:       "listing",
	StateEnriching:     "enriching",
	StatePaging:        "paging",
	StateExhausted:     "exhausted",
	StateBudgetStopped: "budget-stopped",
	StateCapStopped:    "cap-stopped",
	StateCancelled:     "cancelled",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a pass.
func (s State) Terminal() bool {
	return s >= StateExhausted
}

// Connector yields a remote API bound to one account.
type Connector interface {
	Connect(ctx context.Context, account string) (youtube.API, error)
}

// CheckpointFactory returns the checkpoint slot for a pass kind and scope.
type CheckpointFactory func(kind checkpoint.Kind, scope string) checkpoint.Store

// Config holds the tunables of a Manager. Zero values take defaults.
type Config struct {
	Retry      retry.Config
	StaleAfter time.Duration
	Logger     *slog.Logger
	// Now is the wall clock used for staleness decisions.
	Now func() time.Time
}

// Manager runs sync passes against one store and one quota ledger.
// Passes for the same account must not run concurrently.
type Manager struct {
	store       storage.Store
	ledger      *quota.Ledger
	connector   Connector
	checkpoints CheckpointFactory
	merger      *merge.Engine
	retry       retry.Config
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager creates a manager.
func NewManager(store storage.Store, ledger *quota.Ledger, connector Connector, checkpoints CheckpointFactory, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = merge.DefaultStaleAfter
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Manager{
		store:       store,
		ledger:      ledger,
		connector:   connector,
		checkpoints: checkpoints,
		merger:      merge.NewEngine(store, cfg.Logger),
		retry:       cfg.Retry,
		staleAfter:  cfg.StaleAfter,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// charge records the cost of a call that already succeeded. The units were
// spent either way, so the ledger is clamped rather than refused and a
// failure is only logged.
func (m *Manager) charge(logger *slog.Logger, op quota.Op, count int) {
	cost, _ := quota.Cost(op, count)
	added, err := m.ledger.Record(op, count)
	switch {
	case err != nil:
		logger.Warn("quota ledger not updated", "op", op, "error", err)
	case added < cost:
		logger.Warn("call exceeded remaining quota", "op", op, "cost", cost, "recorded", added)
	}
}

// capReached reports whether maxOps (when positive) has been used up.
func capReached(maxOps, processed int) bool {
	return maxOps > 0 && processed >= maxOps
}
