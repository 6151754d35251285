// Package storage provides abstractions for persisting ytsubs data.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the entity already exists in storage.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("read", "write", "commit", "lock", ...).
	Op string
	// Entity is the entity type ("subscription", "account", "checkpoint", ...).
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the main storage interface for all ytsubs data operations.
// Implementations must be safe for concurrent use.
type Store interface {
	AccountStore
	SubscriptionStore
	ProblemStore
	WatchHistoryStore

	// Close releases any resources held by the store.
	Close() error
}

// AccountStore handles local accounts.
type AccountStore interface {
	// GetOrCreateAccount returns the account with the given name, creating it on first reference.
	GetOrCreateAccount(ctx context.Context, name string) (*Account, error)
	// ListAccounts returns every known account ordered by ID.
	ListAccounts(ctx context.Context) ([]*Account, error)
}

// SubscriptionStore handles subscription records and their membership sets.
type SubscriptionStore interface {
	// Update runs fn inside one transaction. If fn or the commit fails,
	// nothing fn wrote becomes visible.
	Update(ctx context.Context, fn func(tx SubscriptionTx) error) error
	// GetSubscription retrieves a record by channel ID.
	GetSubscription(ctx context.Context, channelID string) (*Subscription, error)
	// ListSubscriptions retrieves all records whose membership set contains accountID,
	// ordered by channel ID.
	ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error)
}

// SubscriptionTx is the view of the subscription store inside Update.
type SubscriptionTx interface {
	// GetSubscription returns ErrNotFound (wrapped) when the channel is unknown.
	GetSubscription(ctx context.Context, channelID string) (*Subscription, error)
	// PutSubscription inserts or replaces the record, including its membership set.
	PutSubscription(ctx context.Context, sub *Subscription) error
}

// ProblemStore records permanently failed imports.
type ProblemStore interface {
	// FlagProblem inserts or replaces the flag keyed by (channel, account).
	FlagProblem(ctx context.Context, flag *ProblemFlag) error
	// ListProblems returns the flags recorded for an account.
	ListProblems(ctx context.Context, accountID int64) ([]*ProblemFlag, error)
}

// WatchHistoryStore handles takeout watch-history rows.
type WatchHistoryStore interface {
	// UpsertWatchHistoryItem inserts or replaces the item keyed by (account, position).
	UpsertWatchHistoryItem(ctx context.Context, item *WatchHistoryItem) error
	// UpsertWatchHistoryItems upserts items in one transaction: all or none are stored.
	UpsertWatchHistoryItems(ctx context.Context, items []*WatchHistoryItem) error
	// CountWatchHistory returns how many items are stored for an account.
	CountWatchHistory(ctx context.Context, accountID int64) (int, error)
}

// IDSet returns the channel IDs of subs as a set.
func IDSet(subs []*Subscription) map[string]struct{} {
	set := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		set[s.ChannelID] = struct{}{}
	}
	return set
}
