package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		channel_id         TEXT PRIMARY KEY,
		title              TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		published_at       TIMESTAMPTZ NOT NULL,
		channel_created_at TIMESTAMPTZ,
		total_video_count  BIGINT,
		last_upload_at     TIMESTAMPTZ,
		upload_frequency   DOUBLE PRECISION,
		enriched_at        TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_members (
		channel_id TEXT NOT NULL REFERENCES subscriptions (channel_id) ON DELETE CASCADE,
		account_id BIGINT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		PRIMARY KEY (channel_id, account_id)
	)`,
	`CREATE INDEX IF NOT EXISTS subscription_members_account_idx ON subscription_members (account_id)`,
	`CREATE TABLE IF NOT EXISTS problem_subscriptions (
		channel_id TEXT NOT NULL,
		account_id BIGINT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		reason     TEXT NOT NULL,
		flagged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (channel_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS watch_history (
		id           UUID PRIMARY KEY,
		account_id   BIGINT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		position     INTEGER NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT '',
		watch_time   TEXT NOT NULL DEFAULT '',
		video_id     TEXT NOT NULL DEFAULT '',
		channel_id   TEXT NOT NULL DEFAULT '',
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (account_id, position)
	)`,
}

const selectSubscription = `SELECT s.channel_id, s.title, s.description, s.published_at,
	s.channel_created_at, s.total_video_count, s.last_upload_at, s.upload_frequency,
	s.enriched_at, s.updated_at FROM subscriptions s`

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore connects to the database at dsn and applies the schema.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Entity: "database", Err: err}
	}
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing connection. The schema is not touched.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StorageError{Op: "migrate", Entity: "schema", Err: err}
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// subscriptionRow is the flattened column layout of a Subscription.
type subscriptionRow struct {
	ChannelID        string          `db:"channel_id"`
	Title            string          `db:"title"`
	Description      string          `db:"description"`
	PublishedAt      time.Time       `db:"published_at"`
	ChannelCreatedAt sql.NullTime    `db:"channel_created_at"`
	TotalVideoCount  sql.NullInt64   `db:"total_video_count"`
	LastUploadAt     sql.NullTime    `db:"last_upload_at"`
	UploadFrequency  sql.NullFloat64 `db:"upload_frequency"`
	EnrichedAt       sql.NullTime    `db:"enriched_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func toRow(sub *Subscription) subscriptionRow {
	row := subscriptionRow{
		ChannelID:   sub.ChannelID,
		Title:       sub.Title,
		Description: sub.Description,
		PublishedAt: sub.PublishedAt,
		UpdatedAt:   time.Now(),
	}
	if e := sub.Enrichment; e != nil {
		row.ChannelCreatedAt = sql.NullTime{Time: e.CreatedAt, Valid: true}
		row.TotalVideoCount = sql.NullInt64{Int64: e.TotalVideoCount, Valid: true}
		row.LastUploadAt = sql.NullTime{Time: e.LastUploadAt, Valid: !e.LastUploadAt.IsZero()}
		row.UploadFrequency = sql.NullFloat64{Float64: e.UploadFrequency, Valid: true}
		row.EnrichedAt = sql.NullTime{Time: e.FetchedAt, Valid: true}
	}
	return row
}

func (r subscriptionRow) toSubscription(members []int64) *Subscription {
	sub := &Subscription{
		ChannelID:   r.ChannelID,
		Title:       r.Title,
		Description: r.Description,
		PublishedAt: r.PublishedAt,
		Members:     members,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.EnrichedAt.Valid {
		sub.Enrichment = &Enrichment{
			CreatedAt:       r.ChannelCreatedAt.Time,
			TotalVideoCount: r.TotalVideoCount.Int64,
			LastUploadAt:    r.LastUploadAt.Time,
			UploadFrequency: r.UploadFrequency.Float64,
			FetchedAt:       r.EnrichedAt.Time,
		}
	}
	return sub
}

// --- AccountStore implementation ---

func (s *SQLStore) GetOrCreateAccount(ctx context.Context, name string) (*Account, error) {
	if name == "" {
		return nil, &StorageError{Op: "create", Entity: "account", Err: ErrInvalidInput}
	}
	var acc Account
	err := s.db.GetContext(ctx, &acc, `INSERT INTO accounts (name, created_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at`, name, time.Now())
	if err != nil {
		return nil, &StorageError{Op: "create", Entity: "account", ID: name, Err: err}
	}
	return &acc, nil
}

func (s *SQLStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	if err := s.db.SelectContext(ctx, &accounts, `SELECT id, name, created_at FROM accounts ORDER BY id`); err != nil {
		return nil, &StorageError{Op: "list", Entity: "account", Err: err}
	}
	return accounts, nil
}

// --- SubscriptionStore implementation ---

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) GetSubscription(ctx context.Context, channelID string) (*Subscription, error) {
	return getSubscription(ctx, t.tx, channelID)
}

func (t *sqlTx) PutSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ChannelID == "" {
		return &StorageError{Op: "write", Entity: "subscription", Err: ErrInvalidInput}
	}
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO subscriptions (channel_id, title, description,
		published_at, channel_created_at, total_video_count, last_upload_at, upload_frequency,
		enriched_at, updated_at)
		VALUES (:channel_id, :title, :description, :published_at, :channel_created_at,
		:total_video_count, :last_upload_at, :upload_frequency, :enriched_at, :updated_at)
		ON CONFLICT (channel_id) DO UPDATE SET title = EXCLUDED.title,
		description = EXCLUDED.description, published_at = EXCLUDED.published_at,
		channel_created_at = EXCLUDED.channel_created_at, total_video_count = EXCLUDED.total_video_count,
		last_upload_at = EXCLUDED.last_upload_at, upload_frequency = EXCLUDED.upload_frequency,
		enriched_at = EXCLUDED.enriched_at, updated_at = EXCLUDED.updated_at`, toRow(sub))
	if err != nil {
		return &StorageError{Op: "write", Entity: "subscription", ID: sub.ChannelID, Err: err}
	}

	members := pq.Array(sub.Members)
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM subscription_members
		WHERE channel_id = $1 AND NOT (account_id = ANY($2))`, sub.ChannelID, members); err != nil {
		return &StorageError{Op: "write", Entity: "membership", ID: sub.ChannelID, Err: err}
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO subscription_members (channel_id, account_id)
		SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, sub.ChannelID, members); err != nil {
		return &StorageError{Op: "write", Entity: "membership", ID: sub.ChannelID, Err: err}
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, fn func(tx SubscriptionTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Entity: "subscription", Err: err}
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Entity: "subscription", Err: err}
	}
	return nil
}

func getSubscription(ctx context.Context, q sqlx.QueryerContext, channelID string) (*Subscription, error) {
	var row subscriptionRow
	err := sqlx.GetContext(ctx, q, &row, selectSubscription+` WHERE s.channel_id = $1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "read", Entity: "subscription", ID: channelID, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Entity: "subscription", ID: channelID, Err: err}
	}

	var members []int64
	err = sqlx.SelectContext(ctx, q, &members,
		`SELECT account_id FROM subscription_members WHERE channel_id = $1 ORDER BY account_id`, channelID)
	if err != nil {
		return nil, &StorageError{Op: "read", Entity: "membership", ID: channelID, Err: err}
	}
	return row.toSubscription(members), nil
}

func (s *SQLStore) GetSubscription(ctx context.Context, channelID string) (*Subscription, error) {
	return getSubscription(ctx, s.db, channelID)
}

func (s *SQLStore) ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, selectSubscription+`
		JOIN subscription_members m ON m.channel_id = s.channel_id
		WHERE m.account_id = $1 ORDER BY s.channel_id COLLATE "C"`, accountID)
	if err != nil {
		return nil, &StorageError{Op: "list", Entity: "subscription", Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ChannelID
	}
	var pairs []struct {
		ChannelID string `db:"channel_id"`
		AccountID int64  `db:"account_id"`
	}
	err = s.db.SelectContext(ctx, &pairs, `SELECT channel_id, account_id FROM subscription_members
		WHERE channel_id = ANY($1) ORDER BY channel_id COLLATE "C", account_id`, pq.Array(ids))
	if err != nil {
		return nil, &StorageError{Op: "list", Entity: "membership", Err: err}
	}
	members := make(map[string][]int64, len(rows))
	for _, p := range pairs {
		members[p.ChannelID] = append(members[p.ChannelID], p.AccountID)
	}

	subs := make([]*Subscription, len(rows))
	for i, r := range rows {
		subs[i] = r.toSubscription(members[r.ChannelID])
	}
	return subs, nil
}

// --- ProblemStore implementation ---

func (s *SQLStore) FlagProblem(ctx context.Context, flag *ProblemFlag) error {
	if flag == nil || flag.ChannelID == "" {
		return &StorageError{Op: "write", Entity: "problem", Err: ErrInvalidInput}
	}
	flaggedAt := flag.FlaggedAt
	if flaggedAt.IsZero() {
		flaggedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO problem_subscriptions (channel_id, account_id, reason, flagged_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, account_id) DO UPDATE SET reason = EXCLUDED.reason, flagged_at = EXCLUDED.flagged_at`,
		flag.ChannelID, flag.AccountID, flag.Reason, flaggedAt)
	if err != nil {
		return &StorageError{Op: "write", Entity: "problem", ID: flag.ChannelID, Err: err}
	}
	return nil
}

func (s *SQLStore) ListProblems(ctx context.Context, accountID int64) ([]*ProblemFlag, error) {
	var flags []*ProblemFlag
	err := s.db.SelectContext(ctx, &flags, `SELECT channel_id, account_id, reason, flagged_at
		FROM problem_subscriptions WHERE account_id = $1 ORDER BY channel_id COLLATE "C"`, accountID)
	if err != nil {
		return nil, &StorageError{Op: "list", Entity: "problem", Err: err}
	}
	return flags, nil
}

// --- WatchHistoryStore implementation ---

func (s *SQLStore) UpsertWatchHistoryItem(ctx context.Context, item *WatchHistoryItem) error {
	if item == nil || item.Position < 0 {
		return &StorageError{Op: "write", Entity: "watch_history", Err: ErrInvalidInput}
	}
	return upsertWatchHistory(ctx, s.db, item)
}

func (s *SQLStore) UpsertWatchHistoryItems(ctx context.Context, items []*WatchHistoryItem) error {
	for _, item := range items {
		if item == nil || item.Position < 0 {
			return &StorageError{Op: "write", Entity: "watch_history", Err: ErrInvalidInput}
		}
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Entity: "watch_history", Err: err}
	}
	ids := make([]string, len(items))
	for i, item := range items {
		c := *item
		if err := upsertWatchHistory(ctx, tx, &c); err != nil {
			tx.Rollback()
			return err
		}
		ids[i] = c.ID
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Entity: "watch_history", Err: err}
	}
	for i, item := range items {
		item.ID = ids[i]
	}
	return nil
}

func upsertWatchHistory(ctx context.Context, q sqlx.QueryerContext, item *WatchHistoryItem) error {
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	processedAt := item.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	var stored string
	err := sqlx.GetContext(ctx, q, &stored, `INSERT INTO watch_history (id, account_id, position, title, url,
		watch_time, video_id, channel_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, position) DO UPDATE SET title = EXCLUDED.title, url = EXCLUDED.url,
		watch_time = EXCLUDED.watch_time, video_id = EXCLUDED.video_id,
		channel_id = EXCLUDED.channel_id, processed_at = EXCLUDED.processed_at
		RETURNING id`,
		id, item.AccountID, item.Position, item.Title, item.URL, item.WatchTime,
		item.VideoID, item.ChannelID, processedAt)
	if err != nil {
		return &StorageError{Op: "write", Entity: "watch_history", Err: err}
	}
	item.ID = stored
	return nil
}

func (s *SQLStore) CountWatchHistory(ctx context.Context, accountID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM watch_history WHERE account_id = $1`, accountID); err != nil {
		return 0, &StorageError{Op: "count", Entity: "watch_history", Err: err}
	}
	return n, nil
}
