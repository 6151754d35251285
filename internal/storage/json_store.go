package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion = "2.0"
	lockTimeout   = 5 * time.Second
)

var _ Store = (*JSONStore)(nil)

// JSONStore implements Store using a single JSON file.
// Every mutation rewrites the file atomically, so a committed batch is either
// entirely on disk or not at all.
type JSONStore struct {
	path string
	lock *FileLock
	data *storeData
	mu   sync.RWMutex
}

// storeData is the top-level JSON structure.
type storeData struct {
	Version       string                       `json:"version"`
	UpdatedAt     time.Time                    `json:"updated_at"`
	NextAccountID int64                        `json:"next_account_id"`
	Accounts      map[string]*Account          `json:"accounts"`      // name -> account
	Subscriptions map[string]*Subscription     `json:"subscriptions"` // channel_id -> record
	Problems      map[string]*ProblemFlag      `json:"problems"`      // problemKey -> flag
	WatchHistory  map[string]*WatchHistoryItem `json:"watch_history"` // historyKey -> item
}

// NewJSONStore creates a new JSON file store at the given path.
// If the file exists, it is loaded; otherwise an empty store is created.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		lock: NewFileLock(path),
	}

	if err := s.lock.Lock(lockTimeout); err != nil {
		return nil, err
	}

	if err := s.load(); err != nil {
		s.lock.Unlock()
		return nil, err
	}

	return s, nil
}

// load reads the JSON file into memory. Creates empty data if file doesn't exist.
func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = newStoreData()
			// Save immediately to catch permission errors early
			return s.save()
		}
		return &StorageError{Op: "read", Entity: "store", Err: err}
	}

	s.data = &storeData{}
	if err := json.Unmarshal(data, s.data); err != nil {
		return &StorageError{Op: "read", Entity: "store", Err: ErrStorageCorrupt}
	}
	s.data.ensureMaps()

	return nil
}

// save persists the data to disk atomically.
func (s *JSONStore) save() error {
	s.data.UpdatedAt = time.Now()
	if err := WriteJSON(s.path, s.data); err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}
	return nil
}

// Close releases resources held by the store.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Unlock()
}

func newStoreData() *storeData {
	d := &storeData{
		Version:       schemaVersion,
		UpdatedAt:     time.Now(),
		NextAccountID: 1,
	}
	d.ensureMaps()
	return d
}

func (d *storeData) ensureMaps() {
	if d.Accounts == nil {
		d.Accounts = make(map[string]*Account)
	}
	if d.Subscriptions == nil {
		d.Subscriptions = make(map[string]*Subscription)
	}
	if d.Problems == nil {
		d.Problems = make(map[string]*ProblemFlag)
	}
	if d.WatchHistory == nil {
		d.WatchHistory = make(map[string]*WatchHistoryItem)
	}
	if d.NextAccountID < 1 {
		d.NextAccountID = 1
		for _, a := range d.Accounts {
			if a.ID >= d.NextAccountID {
				d.NextAccountID = a.ID + 1
			}
		}
	}
}

func problemKey(channelID string, accountID int64) string {
	return fmt.Sprintf("%d|%s", accountID, channelID)
}

func historyKey(accountID int64, position int) string {
	return fmt.Sprintf("%d:%d", accountID, position)
}

// --- AccountStore implementation ---

func (s *JSONStore) GetOrCreateAccount(ctx context.Context, name string) (*Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &StorageError{Op: "create", Entity: "account", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, exists := s.data.Accounts[name]; exists {
		c := *acc
		return &c, nil
	}

	acc := &Account{ID: s.data.NextAccountID, Name: name, CreatedAt: time.Now()}
	s.data.Accounts[name] = acc
	s.data.NextAccountID++

	if err := s.save(); err != nil {
		delete(s.data.Accounts, name)
		s.data.NextAccountID--
		return nil, err
	}

	c := *acc
	return &c, nil
}

func (s *JSONStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]*Account, 0, len(s.data.Accounts))
	for _, acc := range s.data.Accounts {
		c := *acc
		accounts = append(accounts, &c)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// --- SubscriptionStore implementation ---

// jsonTx stages writes until the enclosing Update commits them.
type jsonTx struct {
	base   map[string]*Subscription
	staged map[string]*Subscription
	order  []string
}

func (tx *jsonTx) GetSubscription(ctx context.Context, channelID string) (*Subscription, error) {
	if sub, ok := tx.staged[channelID]; ok {
		return sub.Clone(), nil
	}
	if sub, ok := tx.base[channelID]; ok {
		return sub.Clone(), nil
	}
	return nil, &StorageError{Op: "read", Entity: "subscription", ID: channelID, Err: ErrNotFound}
}

func (tx *jsonTx) PutSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ChannelID == "" {
		return &StorageError{Op: "write", Entity: "subscription", Err: ErrInvalidInput}
	}
	if _, ok := tx.staged[sub.ChannelID]; !ok {
		tx.order = append(tx.order, sub.ChannelID)
	}
	c := sub.Clone()
	c.UpdatedAt = time.Now()
	tx.staged[sub.ChannelID] = c
	return nil
}

func (s *JSONStore) Update(ctx context.Context, fn func(tx SubscriptionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &jsonTx{
		base:   s.data.Subscriptions,
		staged: make(map[string]*Subscription),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "commit", Entity: "subscription", Err: err}
	}

	previous := make(map[string]*Subscription, len(tx.staged))
	for _, id := range tx.order {
		previous[id] = s.data.Subscriptions[id]
		s.data.Subscriptions[id] = tx.staged[id]
	}

	if err := s.save(); err != nil {
		for id, old := range previous {
			if old == nil {
				delete(s.data.Subscriptions, id)
			} else {
				s.data.Subscriptions[id] = old
			}
		}
		return &StorageError{Op: "commit", Entity: "subscription", Err: err}
	}
	return nil
}

func (s *JSONStore) GetSubscription(ctx context.Context, channelID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.data.Subscriptions[channelID]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "subscription", ID: channelID, Err: ErrNotFound}
	}
	return sub.Clone(), nil
}

func (s *JSONStore) ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*Subscription
	for _, sub := range s.data.Subscriptions {
		if sub.HasMember(accountID) {
			subs = append(subs, sub.Clone())
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ChannelID < subs[j].ChannelID })
	return subs, nil
}

// --- ProblemStore implementation ---

func (s *JSONStore) FlagProblem(ctx context.Context, flag *ProblemFlag) error {
	if flag == nil || flag.ChannelID == "" {
		return &StorageError{Op: "write", Entity: "problem", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *flag
	if c.FlaggedAt.IsZero() {
		c.FlaggedAt = time.Now()
	}
	key := problemKey(c.ChannelID, c.AccountID)
	old := s.data.Problems[key]
	s.data.Problems[key] = &c

	if err := s.save(); err != nil {
		if old == nil {
			delete(s.data.Problems, key)
		} else {
			s.data.Problems[key] = old
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListProblems(ctx context.Context, accountID int64) ([]*ProblemFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flags []*ProblemFlag
	for _, f := range s.data.Problems {
		if f.AccountID == accountID {
			c := *f
			flags = append(flags, &c)
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].ChannelID < flags[j].ChannelID })
	return flags, nil
}

// --- WatchHistoryStore implementation ---

func (s *JSONStore) UpsertWatchHistoryItem(ctx context.Context, item *WatchHistoryItem) error {
	return s.UpsertWatchHistoryItems(ctx, []*WatchHistoryItem{item})
}

// UpsertWatchHistoryItems stages every item and rewrites the document once.
func (s *JSONStore) UpsertWatchHistoryItems(ctx context.Context, items []*WatchHistoryItem) error {
	for _, item := range items {
		if item == nil || item.Position < 0 {
			return &StorageError{Op: "write", Entity: "watch_history", Err: ErrInvalidInput}
		}
	}
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "write", Entity: "watch_history", Err: err}
	}

	prev := make(map[string]*WatchHistoryItem, len(items))
	staged := make([]*WatchHistoryItem, len(items))
	now := time.Now()
	for i, item := range items {
		key := historyKey(item.AccountID, item.Position)
		old := s.data.WatchHistory[key]
		if _, seen := prev[key]; !seen {
			prev[key] = old
		}

		c := *item
		switch {
		case old != nil:
			c.ID = old.ID
		case c.ID == "":
			c.ID = uuid.NewString()
		}
		if c.ProcessedAt.IsZero() {
			c.ProcessedAt = now
		}
		s.data.WatchHistory[key] = &c
		staged[i] = &c
	}

	if err := s.save(); err != nil {
		for key, old := range prev {
			if old == nil {
				delete(s.data.WatchHistory, key)
			} else {
				s.data.WatchHistory[key] = old
			}
		}
		return err
	}
	for i, item := range items {
		item.ID = staged[i].ID
	}
	return nil
}

func (s *JSONStore) CountWatchHistory(ctx context.Context, accountID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, item := range s.data.WatchHistory {
		if item.AccountID == accountID {
			n++
		}
	}
	return n, nil
}
