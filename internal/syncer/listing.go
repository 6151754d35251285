package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/merge"
	"ytsubs/internal/quota"
	"ytsubs/internal/retry"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

// RunListingSync pages through the account's remote subscription list and
// merges every item into the store, enriching channels whose statistics are
// missing or stale. maxOps bounds the number of items handled; zero means no cap.
//
// The returned error is non-nil only when the pass ends in StateFailed.
func (m *Manager) RunListingSync(ctx context.Context, account string, maxOps int) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString(), Pass: PassListing, Account: account, State: StateIdle}
	logger := m.logger.With("run", sum.RunID, "pass", PassListing, "account", account)

	acc, err := m.store.GetOrCreateAccount(ctx, account)
	if err != nil {
		return m.fail(logger, sum, fmt.Errorf("resolve account: %w", err))
	}
	api, err := m.connector.Connect(ctx, account)
	if err != nil {
		return m.fail(logger, sum, fmt.Errorf("connect: %w", err))
	}

	cp := m.checkpoints(checkpoint.KindListing, account)
	saved := cp.Load()
	cursor, resumeKey := saved.PageCursor, saved.LastItemKey
	if saved.IsEmpty() {
		logger.Info("starting from the beginning of the subscription list")
	} else {
		logger.Info("resuming listing", "last_channel_id", resumeKey, "cursor", cursor)
	}

	call := context.WithoutCancel(ctx)
	advanced := 0
	for {
		if ctx.Err() != nil {
			return m.stop(logger, sum, StateCancelled)
		}
		if capReached(maxOps, advanced) {
			return m.stop(logger, sum, StateCapStopped)
		}

		sum.State = StateListing
		if !m.ledger.Affordable(quota.OpList, 1) {
			return m.stop(logger, sum, StateBudgetStopped)
		}
		pageCursor := cursor
		page, err := retry.Value(call, m.retry, youtube.Classify, func(ctx context.Context) (*youtube.SubscriptionPage, error) {
			return api.ListSubscriptions(ctx, pageCursor)
		})
		if err != nil {
			if errors.Is(err, youtube.ErrQuotaExceeded) {
				logger.Warn("remote reported quota exhausted", "error", err)
				return m.stop(logger, sum, StateBudgetStopped)
			}
			return m.fail(logger, sum, fmt.Errorf("list subscriptions: %w", err))
		}
		m.charge(logger, quota.OpList, 1)
		logger.Debug("page received", "cursor", pageCursor, "items", len(page.Items), "next", page.NextCursor)

		// Items ahead of the checkpointed one on a resumed page are merged
		// again without moving the checkpoint or counting toward maxOps.
		replay := 0
		if resumeKey != "" {
			replay = indexOf(page.Items, resumeKey)
			if replay < 0 {
				logger.Info("checkpointed channel not on resumed page", "channel_id", resumeKey)
				replay = 0
				resumeKey = ""
			}
		}

		for i, item := range page.Items {
			if ctx.Err() != nil {
				return m.stop(logger, sum, StateCancelled)
			}
			if resumeKey != "" && item.ChannelID == resumeKey {
				logger.Debug("skipping checkpointed channel", "channel_id", item.ChannelID)
				resumeKey = ""
				continue
			}
			replaying := i < replay
			if !replaying && capReached(maxOps, advanced) {
				return m.stop(logger, sum, StateCapStopped)
			}

			sum.Processed++
			if !replaying {
				advanced++
			}
			remoteQuota, err := m.processListed(call, logger, api, acc.ID, item, sum)
			if err != nil {
				sum.Failed++
				logger.Error("channel not stored", "channel_id", item.ChannelID, "error", err)
				continue
			}
			last := i == len(page.Items)-1
			if !replaying {
				// The checkpoint moves to the next page only once this page is done.
				next := checkpoint.Checkpoint{LastItemKey: item.ChannelID, PageCursor: pageCursor}
				if last {
					next.PageCursor = page.NextCursor
				}
				if err := cp.Save(next); err != nil {
					logger.Warn("checkpoint not saved", "channel_id", item.ChannelID, "error", err)
				}
			}
			if remoteQuota {
				if last && page.NextCursor == "" {
					m.clearCheckpoint(logger, cp)
				}
				return m.stop(logger, sum, StateBudgetStopped)
			}
		}

		if page.NextCursor == "" {
			m.clearCheckpoint(logger, cp)
			return m.stop(logger, sum, StateExhausted)
		}
		cursor = page.NextCursor
		sum.State = StatePaging
	}
}

func indexOf(items []youtube.SubscriptionItem, channelID string) int {
	for i, it := range items {
		if it.ChannelID == channelID {
			return i
		}
	}
	return -1
}

func (m *Manager) clearCheckpoint(logger *slog.Logger, cp checkpoint.Store) {
	if err := cp.Clear(); err != nil {
		logger.Warn("checkpoint not cleared", "error", err)
	}
}

// processListed enriches (when stale and affordable) and merges one listed item.
// It reports whether the remote refused an enrichment call for lack of quota.
func (m *Manager) processListed(ctx context.Context, logger *slog.Logger, api youtube.API, accountID int64, item youtube.SubscriptionItem, sum *Summary) (bool, error) {
	logger = logger.With("channel_id", item.ChannelID)
	rec := storage.Subscription{
		ChannelID:   item.ChannelID,
		Title:       item.Title,
		Description: item.Description,
		PublishedAt: item.PublishedAt,
	}

	stored, err := m.store.GetSubscription(ctx, item.ChannelID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("stored record unreadable, refreshing enrichment", "error", err)
		}
		stored = nil
	}

	remoteQuota := false
	if merge.NeedsEnrichment(stored, m.now(), m.staleAfter) {
		sum.State = StateEnriching
		if m.ledger.Affordable(quota.OpRead, 2) {
			enr, err := m.enrich(ctx, logger, api, item.ChannelID)
			switch {
			case err == nil:
				rec.Enrichment = enr
				sum.Enriched++
			case errors.Is(err, youtube.ErrQuotaExceeded):
				remoteQuota = true
				logger.Warn("remote reported quota exhausted during enrichment", "error", err)
			default:
				logger.Warn("enrichment failed, storing listing fields only", "error", err)
			}
		} else {
			logger.Info("not enough quota to enrich channel")
		}
	}

	res, err := m.merger.Merge(ctx, []storage.Subscription{rec}, accountID)
	if err != nil {
		return remoteQuota, err
	}
	sum.Added += len(res.Added)
	sum.Updated += len(res.Updated)
	logger.Info("channel stored", "title", item.Title, "added", len(res.Added) > 0)
	return remoteQuota, nil
}

// enrich fetches channel statistics and the newest upload. A missing uploads
// playlist is not an error; it only leaves the last upload unknown.
func (m *Manager) enrich(ctx context.Context, logger *slog.Logger, api youtube.API, channelID string) (*storage.Enrichment, error) {
	detail, err := retry.Value(ctx, m.retry, youtube.Classify, func(ctx context.Context) (*youtube.ChannelDetail, error) {
		return api.GetChannelDetail(ctx, channelID)
	})
	if err != nil {
		return nil, fmt.Errorf("channel detail: %w", err)
	}
	m.charge(logger, quota.OpRead, 1)

	enr := &storage.Enrichment{
		CreatedAt:       detail.CreatedAt,
		TotalVideoCount: detail.VideoCount,
		FetchedAt:       m.now(),
	}
	if detail.UploadsPlaylistID != "" {
		items, err := retry.Value(ctx, m.retry, youtube.Classify, func(ctx context.Context) ([]youtube.PlaylistItem, error) {
			return api.ListPlaylistItems(ctx, detail.UploadsPlaylistID, 1)
		})
		switch {
		case err == nil:
			m.charge(logger, quota.OpRead, 1)
			if len(items) > 0 {
				enr.LastUploadAt = items[0].PublishedAt
			}
		case errors.Is(err, youtube.ErrNotFound):
			logger.Debug("uploads playlist not found", "playlist_id", detail.UploadsPlaylistID)
		default:
			return nil, fmt.Errorf("latest upload: %w", err)
		}
	}
	enr.UploadFrequency = merge.UploadFrequency(enr.CreatedAt, enr.LastUploadAt, enr.TotalVideoCount)
	logger.Debug("channel enriched", "videos", enr.TotalVideoCount, "frequency", merge.FormatFrequency(enr.UploadFrequency))
	return enr, nil
}

func (m *Manager) stop(logger *slog.Logger, sum *Summary, state State) (*Summary, error) {
	sum.State = state
	sum.Forecast = m.ledger.Forecast()
	switch state {
	case StateBudgetStopped:
		logger.Warn("quota limit reached, stopping", "remaining", sum.Forecast.Remaining, "resets_at", sum.Forecast.NextResetAt)
	case StateCapStopped:
		logger.Info("operation cap reached, stopping", "processed", sum.Processed)
	case StateCancelled:
		logger.Warn("pass interrupted, progress saved", "processed", sum.Processed)
	}
	logger.Info("pass finished", "state", state.String(), "processed", sum.Processed,
		"added", sum.Added, "updated", sum.Updated, "enriched", sum.Enriched, "failed", sum.Failed)
	return sum, nil
}

func (m *Manager) fail(logger *slog.Logger, sum *Summary, err error) (*Summary, error) {
	sum.State = StateFailed
	sum.Err = err
	sum.Forecast = m.ledger.Forecast()
	logger.Error("pass failed", "processed", sum.Processed, "error", err)
	return sum, err
}
