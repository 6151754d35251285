package syncer

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/storage"
	"ytsubs/internal/takeout"
)

// RunCSVImport merges a takeout subscriptions.csv into the account as one
// batch. No remote calls are made. The CSV only carries channel ID and title,
// so description and publish time are kept from any stored record.
func (m *Manager) RunCSVImport(ctx context.Context, account, path string) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString(), Pass: PassCSV, Account: account, State: StateIdle}
	logger := m.logger.With("run", sum.RunID, "pass", PassCSV, "account", account, "path", path)

	acc, err := m.store.GetOrCreateAccount(ctx, account)
	if err != nil {
		return m.fail(logger, sum, fmt.Errorf("resolve account: %w", err))
	}

	f, err := os.Open(path)
	if err != nil {
		return m.fail(logger, sum, fmt.Errorf("open subscriptions export: %w", err))
	}
	defer f.Close()

	sum.State = StateListing
	rows, err := takeout.ParseSubscriptionsCSV(f)
	if err != nil {
		return m.fail(logger, sum, err)
	}

	batch := make([]storage.Subscription, 0, len(rows))
	for _, row := range rows {
		rec := storage.Subscription{ChannelID: row.ChannelID, Title: row.Title}
		if stored, err := m.store.GetSubscription(ctx, row.ChannelID); err == nil {
			rec.Description = stored.Description
			rec.PublishedAt = stored.PublishedAt
		}
		batch = append(batch, rec)
	}
	sum.Processed = len(batch)

	res, err := m.merger.Merge(ctx, batch, acc.ID)
	if err != nil {
		sum.Failed = len(batch)
		return m.fail(logger, sum, err)
	}
	sum.Added, sum.Updated = len(res.Added), len(res.Updated)
	return m.stop(logger, sum, StateExhausted)
}

// watchHistoryBatch is how many watch-history entries are stored per write.
const watchHistoryBatch = 500

// RunWatchHistory stores the entries of a takeout watch-history export,
// in batches of watchHistoryBatch, checkpointing the last position of each
// batch so an interrupted pass resumes after it. Cancellation is observed
// between batches. maxOps bounds entries stored; zero means no cap.
func (m *Manager) RunWatchHistory(ctx context.Context, account, path string, format takeout.Format, maxOps int) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString(), Pass: PassWatchHistory, Account: account, State: StateIdle}
	logger := m.logger.With("run", sum.RunID, "pass", PassWatchHistory, "account", account, "path", path)

	acc, err := m.store.GetOrCreateAccount(ctx, account)
	if err != nil {
		return m.fail(logger, sum, fmt.Errorf("resolve account: %w", err))
	}

	sum.State = StateListing
	entries, err := takeout.ReadWatchHistory(path, format)
	if err != nil {
		return m.fail(logger, sum, err)
	}

	cp := m.checkpoints(checkpoint.KindWatchHistory, account)
	after := -1
	if saved := cp.Load(); saved.LastItemKey != "" {
		pos, err := strconv.Atoi(saved.LastItemKey)
		if err != nil {
			logger.Warn("checkpoint position unreadable, starting from scratch", "value", saved.LastItemKey)
		} else {
			after = pos
			logger.Info("resuming watch history", "last_position", pos)
		}
	}
	logger.Info("storing watch history", "entries", len(entries))

	call := context.WithoutCancel(ctx)
	pending := entries[:0:0]
	for _, e := range entries {
		if e.Position > after {
			pending = append(pending, e)
		}
	}
	for len(pending) > 0 {
		if ctx.Err() != nil {
			return m.stop(logger, sum, StateCancelled)
		}
		if capReached(maxOps, sum.Processed) {
			return m.stop(logger, sum, StateCapStopped)
		}

		n := min(len(pending), watchHistoryBatch)
		if maxOps > 0 {
			n = min(n, maxOps-sum.Processed)
		}
		batch := make([]*storage.WatchHistoryItem, n)
		for i, e := range pending[:n] {
			batch[i] = &storage.WatchHistoryItem{
				AccountID: acc.ID,
				Position:  e.Position,
				Title:     e.Title,
				URL:       e.URL,
				WatchTime: e.WatchTime,
				VideoID:   e.VideoID,
				ChannelID: e.ChannelID,
			}
		}
		pending = pending[n:]
		sum.Processed += n

		if err := m.store.UpsertWatchHistoryItems(call, batch); err != nil {
			logger.Warn("watch history batch not stored, retrying item by item", "items", n, "error", err)
			for _, item := range batch {
				if err := m.store.UpsertWatchHistoryItem(call, item); err != nil {
					sum.Failed++
					logger.Error("watch history item not stored", "position", item.Position, "error", err)
					continue
				}
				sum.Added++
			}
		} else {
			sum.Added += n
		}

		last := batch[n-1].Position
		if err := cp.Save(checkpoint.Checkpoint{LastItemKey: strconv.Itoa(last)}); err != nil {
			logger.Warn("checkpoint not saved", "position", last, "error", err)
		}
	}

	if err := cp.Clear(); err != nil {
		logger.Warn("checkpoint not cleared", "error", err)
	}
	return m.stop(logger, sum, StateExhausted)
}
