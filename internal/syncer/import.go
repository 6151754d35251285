package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/quota"
	"ytsubs/internal/retry"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

// RunImport subscribes the target account to every channel the source account
// is known to follow and the target is not. Each record is merged under the
// target whatever the remote outcome; failures are additionally flagged as
// problems. maxOps bounds subscribe attempts; zero means no cap.
//
// The subscribe cost is charged before each call and a refused charge stops
// the pass as StateBudgetStopped.
func (m *Manager) RunImport(ctx context.Context, source, target string, maxOps int) (*ImportSummary, error) {
	sum := &ImportSummary{RunID: uuid.NewString(), Source: source, Target: target, State: StateIdle}
	logger := m.logger.With("run", sum.RunID, "pass", PassImport, "source", source, "target", target)

	if source == target {
		return m.failImport(logger, sum, fmt.Errorf("source and target are both %q: %w", source, storage.ErrInvalidInput))
	}
	src, err := m.store.GetOrCreateAccount(ctx, source)
	if err != nil {
		return m.failImport(logger, sum, fmt.Errorf("resolve source account: %w", err))
	}
	tgt, err := m.store.GetOrCreateAccount(ctx, target)
	if err != nil {
		return m.failImport(logger, sum, fmt.Errorf("resolve target account: %w", err))
	}

	sum.State = StateListing
	subs, err := m.store.ListSubscriptions(ctx, src.ID)
	if err != nil {
		return m.failImport(logger, sum, fmt.Errorf("list source subscriptions: %w", err))
	}
	api, err := m.connector.Connect(ctx, target)
	if err != nil {
		return m.failImport(logger, sum, fmt.Errorf("connect: %w", err))
	}

	cp := m.checkpoints(checkpoint.KindImport, source+"-"+target)
	saved := cp.Load()
	if saved.LastItemKey != "" {
		logger.Info("resuming import", "last_channel_id", saved.LastItemKey)
	}
	logger.Info("importing subscriptions", "source_records", len(subs))

	call := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if ctx.Err() != nil {
			return m.stopImport(ctx, logger, sum, tgt.ID, StateCancelled)
		}
		// Records are ordered by channel ID, so everything up to the
		// checkpoint was handled by an earlier pass.
		if saved.LastItemKey != "" && sub.ChannelID <= saved.LastItemKey {
			continue
		}
		if sub.HasMember(tgt.ID) {
			sum.Skipped++
			continue
		}
		if capReached(maxOps, sum.Processed) {
			return m.stopImport(ctx, logger, sum, tgt.ID, StateCapStopped)
		}

		ok, err := m.ledger.Charge(quota.OpWrite, 1)
		if err != nil {
			return m.failImport(logger, sum, fmt.Errorf("charge subscribe: %w", err))
		}
		if !ok {
			return m.stopImport(ctx, logger, sum, tgt.ID, StateBudgetStopped)
		}

		sum.Processed++
		clog := logger.With("channel_id", sub.ChannelID, "title", sub.Title)
		err = retry.Do(call, m.retry, youtube.Classify, func(ctx context.Context) error {
			return api.Subscribe(ctx, sub.ChannelID)
		})
		if errors.Is(err, youtube.ErrQuotaExceeded) {
			clog.Warn("remote reported quota exhausted", "error", err)
			return m.stopImport(ctx, logger, sum, tgt.ID, StateBudgetStopped)
		}

		outcome := classifyOutcome(err)
		sum.record(outcome)
		switch outcome {
		case OutcomeSuccess:
			clog.Info("subscribed")
		case OutcomeAlreadySubscribed:
			clog.Info("already subscribed")
		default:
			clog.Warn("subscription failed", "outcome", string(outcome), "error", err)
		}

		rec := sub.Clone()
		rec.Members = nil
		if _, err := m.merger.Merge(call, []storage.Subscription{*rec}, tgt.ID); err != nil {
			clog.Error("target membership not stored", "error", err)
			continue
		}
		if outcome.Problematic() {
			flag := &storage.ProblemFlag{ChannelID: sub.ChannelID, AccountID: tgt.ID, Reason: fmt.Sprintf("%s: %v", outcome, err)}
			if err := m.store.FlagProblem(call, flag); err != nil {
				clog.Error("problem flag not stored", "error", err)
			}
		}
		if err := cp.Save(checkpoint.Checkpoint{LastItemKey: sub.ChannelID}); err != nil {
			clog.Warn("checkpoint not saved", "error", err)
		}
	}

	if err := cp.Clear(); err != nil {
		logger.Warn("checkpoint not cleared", "error", err)
	}
	return m.stopImport(ctx, logger, sum, tgt.ID, StateExhausted)
}

// classifyOutcome maps a subscribe result to an import outcome.
func classifyOutcome(err error) Outcome {
	var apiErr *youtube.APIError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, youtube.ErrDuplicate):
		return OutcomeAlreadySubscribed
	case errors.Is(err, youtube.ErrNotFound):
		return OutcomeChannelNotFound
	case errors.As(err, &apiErr), errors.Is(err, retry.ErrExhaustedRetries):
		return OutcomeSubscriptionFailed
	default:
		return OutcomeUnexpectedError
	}
}

func (m *Manager) stopImport(ctx context.Context, logger *slog.Logger, sum *ImportSummary, targetID int64, state State) (*ImportSummary, error) {
	sum.State = state
	sum.Forecast = m.ledger.Forecast()
	switch state {
	case StateBudgetStopped:
		logger.Warn("quota limit reached, stopping", "remaining", sum.Forecast.Remaining, "resets_at", sum.Forecast.NextResetAt)
	case StateCapStopped:
		logger.Info("operation cap reached, stopping", "processed", sum.Processed)
	case StateCancelled:
		logger.Warn("import interrupted, progress saved", "processed", sum.Processed)
	}

	flags, err := m.store.ListProblems(context.WithoutCancel(ctx), targetID)
	if err != nil {
		logger.Warn("problem flags unreadable", "error", err)
	}
	sum.Problems = len(flags)
	for _, f := range flags {
		logger.Info("problem subscription", "channel_id", f.ChannelID, "reason", f.Reason, "flagged_at", f.FlaggedAt)
	}

	logger.Info("import finished", "state", state.String(), "processed", sum.Processed, "imported", sum.Imported,
		"already_subscribed", sum.AlreadySubscribed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

func (m *Manager) failImport(logger *slog.Logger, sum *ImportSummary, err error) (*ImportSummary, error) {
	sum.State = StateFailed
	sum.Err = err
	sum.Forecast = m.ledger.Forecast()
	logger.Error("import failed", "processed", sum.Processed, "error", err)
	return sum, err
}
