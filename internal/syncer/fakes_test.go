package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/quota"
	"ytsubs/internal/retry"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeAPI serves scripted pages and records every call.
type fakeAPI struct {
	mu sync.Mutex

	pages        map[string]*youtube.SubscriptionPage
	pageErr      map[string]error
	listFailures int // leading ListSubscriptions calls that fail transiently
	details      map[string]*youtube.ChannelDetail
	detailErr    map[string]error
	uploads      map[string][]youtube.PlaylistItem
	subscribeErr map[string]error

	// onDetail runs inside GetChannelDetail, before it returns.
	onDetail func(channelID string)

	cursors     []string
	detailCalls []string
	subscribed  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:        map[string]*youtube.SubscriptionPage{},
		pageErr:      map[string]error{},
		details:      map[string]*youtube.ChannelDetail{},
		detailErr:    map[string]error{},
		uploads:      map[string][]youtube.PlaylistItem{},
		subscribeErr: map[string]error{},
	}
}

func (f *fakeAPI) ListSubscriptions(ctx context.Context, cursor string) (*youtube.SubscriptionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.listFailures > 0 {
		f.listFailures--
		return nil, remoteErr(429, "rateLimitExceeded", youtube.ErrRateLimited)
	}
	if err := f.pageErr[cursor]; err != nil {
		return nil, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("unexpected cursor %q", cursor)
	}
	c := *page
	return &c, nil
}

func (f *fakeAPI) GetChannelDetail(ctx context.Context, channelID string) (*youtube.ChannelDetail, error) {
	f.mu.Lock()
	f.detailCalls = append(f.detailCalls, channelID)
	hook := f.onDetail
	detail, ok := f.details[channelID]
	err := f.detailErr[channelID]
	f.mu.Unlock()

	if hook != nil {
		hook(channelID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, remoteErr(404, "channelNotFound", youtube.ErrNotFound)
	}
	return detail, nil
}

func (f *fakeAPI) ListPlaylistItems(ctx context.Context, playlistID string, limit int) ([]youtube.PlaylistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.uploads[playlistID]
	if !ok {
		return nil, remoteErr(404, "playlistNotFound", youtube.ErrNotFound)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeAPI) Subscribe(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, channelID)
	return f.subscribeErr[channelID]
}

func remoteErr(code int, reason string, sentinel error) error {
	return &youtube.APIError{Op: "test", StatusCode: code, Reason: reason, Err: fmt.Errorf("%w: %s", sentinel, reason)}
}

type fakeConnector struct {
	api youtube.API
	err error
}

func (c *fakeConnector) Connect(ctx context.Context, account string) (youtube.API, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.api, nil
}

// recordingCheckpoint keeps the current slot and every save.
type recordingCheckpoint struct {
	mu      sync.Mutex
	current checkpoint.Checkpoint
	saves   []checkpoint.Checkpoint
	cleared int
}

func (r *recordingCheckpoint) Load() checkpoint.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *recordingCheckpoint) Save(c checkpoint.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = c
	r.saves = append(r.saves, c)
	return nil
}

func (r *recordingCheckpoint) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = checkpoint.Checkpoint{}
	r.cleared++
	return nil
}

func (r *recordingCheckpoint) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.saves))
	for i, c := range r.saves {
		keys[i] = c.LastItemKey
	}
	return keys
}

type harness struct {
	store  *storage.JSONStore
	ledger *quota.Ledger
	api    *fakeAPI
	conn   *fakeConnector
	slots  map[string]*recordingCheckpoint
	mgr    *Manager
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	store, err := storage.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:  store,
		ledger: quota.New(limit, &quota.MemoryStore{}, quota.WithClock(func() time.Time { return testNow })),
		api:    newFakeAPI(),
		slots:  map[string]*recordingCheckpoint{},
	}
	h.conn = &fakeConnector{api: h.api}
	h.mgr = NewManager(store, h.ledger, h.conn, h.slot, Config{
		Retry: retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Now:   func() time.Time { return testNow },
	})
	return h
}

func (h *harness) slot(kind checkpoint.Kind, scope string) checkpoint.Store {
	return h.checkpoint(kind, scope)
}

func (h *harness) checkpoint(kind checkpoint.Kind, scope string) *recordingCheckpoint {
	key := string(kind) + "/" + scope
	if h.slots[key] == nil {
		h.slots[key] = &recordingCheckpoint{}
	}
	return h.slots[key]
}

// seed stores records as members of account.
func (h *harness) seed(t *testing.T, account string, subs ...storage.Subscription) int64 {
	t.Helper()
	acc, err := h.store.GetOrCreateAccount(context.Background(), account)
	require.NoError(t, err)
	_, err = h.mgr.merger.Merge(context.Background(), subs, acc.ID)
	require.NoError(t, err)
	return acc.ID
}

func (h *harness) record(t *testing.T, channelID string) *storage.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), channelID)
	require.NoError(t, err)
	return sub
}

func item(id string) youtube.SubscriptionItem {
	return youtube.SubscriptionItem{ChannelID: id, Title: "Channel " + id, PublishedAt: testNow.AddDate(-1, 0, 0)}
}

// withDetail scripts a channel with an uploads playlist whose newest video is lastUpload.
func (f *fakeAPI) withDetail(id string, videos int64, lastUpload time.Time) {
	f.details[id] = &youtube.ChannelDetail{
		ChannelID:         id,
		CreatedAt:         lastUpload.AddDate(0, 0, -100),
		VideoCount:        videos,
		UploadsPlaylistID: "UU" + id,
	}
	f.uploads["UU"+id] = []youtube.PlaylistItem{{VideoID: "v-" + id, PublishedAt: lastUpload}}
}
