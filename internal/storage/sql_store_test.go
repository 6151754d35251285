package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscriptionColumns = []string{
	"channel_id", "title", "description", "published_at", "channel_created_at",
	"total_video_count", "last_upload_at", "upload_frequency", "enriched_at", "updated_at",
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { mockDb.Close() })
	return NewSQLStore(sqlx.NewDb(mockDb, "sqlmock")), mock
}

func TestSQLStore_Migrate(t *testing.T) {
	store, mock := newMockStore(t)

	for range schema {
		mock.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MigrateFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS accounts`).WillReturnError(errors.New("permission denied"))

	err := store.Migrate(context.Background())
	var storErr *StorageError
	require.ErrorAs(t, err, &storErr)
	assert.Equal(t, "migrate", storErr.Op)
}

func TestSQLStore_GetOrCreateAccount(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs("personal", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).AddRow(3, "personal", created))

	acc, err := store.GetOrCreateAccount(context.Background(), "personal")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.ID)
	assert.Equal(t, "personal", acc.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	published := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	enriched := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT s.channel_id .* WHERE s.channel_id = \$1`).
		WithArgs("UC1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("UC1", "One", "desc", published, published, 120, enriched, 0.5, enriched, enriched))
	mock.ExpectQuery(`SELECT account_id FROM subscription_members`).
		WithArgs("UC1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(1).AddRow(2))

	sub, err := store.GetSubscription(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Equal(t, "One", sub.Title)
	assert.Equal(t, []int64{1, 2}, sub.Members)
	require.NotNil(t, sub.Enrichment)
	assert.Equal(t, int64(120), sub.Enrichment.TotalVideoCount)
	assert.InDelta(t, 0.5, sub.Enrichment.UploadFrequency, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetSubscriptionNotEnriched(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT s.channel_id`).
		WithArgs("UC2").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("UC2", "Two", "", now, nil, nil, nil, nil, nil, now))
	mock.ExpectQuery(`SELECT account_id FROM subscription_members`).
		WithArgs("UC2").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(1))

	sub, err := store.GetSubscription(context.Background(), "UC2")
	require.NoError(t, err)
	assert.Nil(t, sub.Enrichment)
}

func TestSQLStore_GetSubscriptionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT s.channel_id`).WithArgs("UCnope").WillReturnError(sql.ErrNoRows)

	_, err := store.GetSubscription(context.Background(), "UCnope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpdateCommits(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscriptions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM subscription_members`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO subscription_members`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.Update(ctx, func(tx SubscriptionTx) error {
		return tx.PutSubscription(ctx, &Subscription{
			ChannelID:  "UC1",
			Title:      "One",
			Members:    []int64{1, 2},
			Enrichment: &Enrichment{TotalVideoCount: 4, FetchedAt: time.Now()},
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscriptions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM subscription_members`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO subscription_members`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.Update(ctx, func(tx SubscriptionTx) error {
		if err := tx.PutSubscription(ctx, &Subscription{ChannelID: "UC1", Members: []int64{1}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListSubscriptions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// Byte order, matching the string comparison import resume uses.
	mock.ExpectQuery(`(?s)JOIN subscription_members m.*ORDER BY s\.channel_id COLLATE "C"`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("UCa", "A", "", now, nil, nil, nil, nil, nil, now).
			AddRow("UCb", "B", "", now, nil, nil, nil, nil, nil, now))
	mock.ExpectQuery(`(?s)SELECT channel_id, account_id FROM subscription_members.*COLLATE "C"`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "account_id"}).
			AddRow("UCa", 1).
			AddRow("UCb", 1).
			AddRow("UCb", 2))

	subs, err := store.ListSubscriptions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, []int64{1}, subs[0].Members)
	assert.Equal(t, []int64{1, 2}, subs[1].Members)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FlagProblem(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO problem_subscriptions`).
		WithArgs("UCgone", int64(2), "channel_not_found", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.FlagProblem(context.Background(), &ProblemFlag{ChannelID: "UCgone", AccountID: 2, Reason: "channel_not_found"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListProblems(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`(?s)FROM problem_subscriptions WHERE account_id = \$1 ORDER BY channel_id COLLATE "C"`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "account_id", "reason", "flagged_at"}).
			AddRow("UCB", 2, "channel_not_found", now).
			AddRow("UCa", 2, "subscription_failed", now))

	flags, err := store.ListProblems(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, "UCB", flags[0].ChannelID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertWatchHistoryItemsRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("constraint violated")

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO watch_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-0"))
	mock.ExpectQuery(`INSERT INTO watch_history`).WillReturnError(boom)
	mock.ExpectRollback()

	items := []*WatchHistoryItem{{AccountID: 1, Position: 0}, {AccountID: 1, Position: 1}}
	err := store.UpsertWatchHistoryItems(context.Background(), items)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, items[0].ID, "IDs are only assigned after commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertWatchHistoryItems(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO watch_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-0"))
	mock.ExpectQuery(`INSERT INTO watch_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-1"))
	mock.ExpectCommit()

	items := []*WatchHistoryItem{{AccountID: 1, Position: 0}, {AccountID: 1, Position: 1}}
	require.NoError(t, store.UpsertWatchHistoryItems(context.Background(), items))
	assert.Equal(t, "id-0", items[0].ID)
	assert.Equal(t, "id-1", items[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertWatchHistoryItem(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO watch_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	item := &WatchHistoryItem{AccountID: 1, Position: 4, Title: "Video"}
	require.NoError(t, store.UpsertWatchHistoryItem(context.Background(), item))
	assert.Equal(t, "existing-id", item.ID)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM watch_history`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := store.CountWatchHistory(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
