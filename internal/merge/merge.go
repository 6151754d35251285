// Package merge reconciles fetched subscription records with stored ones.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ytsubs/internal/storage"
)

// DefaultStaleAfter is how old a channel's last upload may be before its
// enrichment is fetched again.
const DefaultStaleAfter = 7 * 24 * time.Hour

// Result lists the channels a merge touched.
type Result struct {
	Added   []string
	Updated []string
}

// Engine merges batches of records into a store.
type Engine struct {
	store  storage.SubscriptionStore
	logger *slog.Logger
}

// NewEngine returns an engine writing to store.
func NewEngine(store storage.SubscriptionStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Merge applies incoming under accountID as one transaction.
//
// Unknown channels are inserted with accountID as the only member. Known
// channels gain accountID as a member, always take the incoming title,
// description and published time, and take the incoming enrichment only
// when it is present. If anything fails, nothing in the batch is applied.
func (e *Engine) Merge(ctx context.Context, incoming []storage.Subscription, accountID int64) (*Result, error) {
	res := &Result{}
	if len(incoming) == 0 {
		return res, nil
	}

	err := e.store.Update(ctx, func(tx storage.SubscriptionTx) error {
		for i := range incoming {
			in := &incoming[i]
			if in.ChannelID == "" {
				return fmt.Errorf("merge: record %d: %w", i, storage.ErrInvalidInput)
			}

			existing, err := tx.GetSubscription(ctx, in.ChannelID)
			if errors.Is(err, storage.ErrNotFound) {
				rec := in.Clone()
				rec.Members = []int64{accountID}
				if err := tx.PutSubscription(ctx, rec); err != nil {
					return err
				}
				res.Added = append(res.Added, in.ChannelID)
				continue
			}
			if err != nil {
				return err
			}

			if existing.AddMember(accountID) {
				e.logger.Debug("channel shared by another account", "channel_id", in.ChannelID, "account_id", accountID, "members", existing.Members)
			}
			existing.Title = in.Title
			existing.Description = in.Description
			existing.PublishedAt = in.PublishedAt
			if in.Enrichment != nil {
				enr := *in.Enrichment
				existing.Enrichment = &enr
			}
			if err := tx.PutSubscription(ctx, existing); err != nil {
				return err
			}
			res.Updated = append(res.Updated, in.ChannelID)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("merge batch rolled back", "account_id", accountID, "records", len(incoming), "error", err)
		return nil, err
	}
	return res, nil
}

// NeedsEnrichment reports whether stored enrichment should be fetched again.
// A nil record means the channel has never been seen.
func NeedsEnrichment(stored *storage.Subscription, now time.Time, staleAfter time.Duration) bool {
	if stored == nil || stored.Enrichment == nil {
		return true
	}
	last := stored.Enrichment.LastUploadAt
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > staleAfter
}

// UploadFrequency returns videos per whole day between created and lastUpload.
func UploadFrequency(created, lastUpload time.Time, videoCount int64) float64 {
	if created.IsZero() || lastUpload.IsZero() {
		return 0
	}
	days := int64(lastUpload.Sub(created).Hours() / 24)
	if days <= 0 {
		return 0
	}
	return float64(videoCount) / float64(days)
}

// FormatFrequency renders a frequency for display.
func FormatFrequency(f float64) string {
	return fmt.Sprintf("%.2f videos per day", f)
}
