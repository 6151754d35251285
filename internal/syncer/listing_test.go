package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytsubs/internal/checkpoint"
	"ytsubs/internal/quota"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

func TestRunListingSync_ResumesAfterCheckpointedItem(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages["next"] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("UC1"), item("UC2"), item("UC3")}}
	h.api.withDetail("UC1", 50, testNow.AddDate(0, 0, -1))
	h.api.withDetail("UC3", 80, testNow.AddDate(0, 0, -3))
	cp := h.checkpoint(checkpoint.KindListing, "alice")
	cp.current = checkpoint.Checkpoint{LastItemKey: "UC2", PageCursor: "next"}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, []string{"next"}, h.api.cursors, "no page after the terminal cursor")
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, []string{"UC1", "UC3"}, h.api.detailCalls)

	_, err = h.store.GetSubscription(context.Background(), "UC2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NotNil(t, h.record(t, "UC1").Enrichment)
	assert.NotNil(t, h.record(t, "UC3").Enrichment)

	assert.Equal(t, []string{"UC3"}, cp.keys(), "replayed UC1 does not move the checkpoint back")
	assert.True(t, cp.saves[0].Equal(checkpoint.Checkpoint{LastItemKey: "UC3"}))
	assert.Equal(t, 1, cp.cleared)
	assert.True(t, cp.Load().IsEmpty())
}

func TestRunListingSync_PagesUntilExhausted(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A"), item("B")}, NextCursor: "p2"}
	h.api.pages["p2"] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("C")}}
	for _, id := range []string{"A", "B", "C"} {
		h.api.details[id] = &youtube.ChannelDetail{ChannelID: id, CreatedAt: testNow.AddDate(-2, 0, 0), VideoCount: 10}
	}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, []string{"", "p2"}, h.api.cursors)
	assert.Equal(t, 3, sum.Added)
	assert.Equal(t, 3, sum.Enriched)
	// two pages plus one channel lookup per channel (no uploads playlist)
	assert.Equal(t, 5, h.ledger.Consumed())

	cp := h.checkpoint(checkpoint.KindListing, "alice")
	require.Len(t, cp.saves, 3)
	assert.Equal(t, "", cp.saves[0].PageCursor, "mid-page checkpoints refetch the same page")
	assert.Equal(t, "p2", cp.saves[1].PageCursor)
	assert.Equal(t, "", cp.saves[2].PageCursor)

	subs, err := h.store.ListSubscriptions(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

func TestRunListingSync_SecondRunUpdates(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A")}}
	h.api.withDetail("A", 10, testNow.AddDate(0, 0, -1))

	_, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)
	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Added)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 0, sum.Enriched, "fresh enrichment is not fetched again")
	assert.Equal(t, []int64{1}, h.record(t, "A").Members)
}

func TestRunListingSync_RefetchesOnlyStaleEnrichment(t *testing.T) {
	h := newHarness(t, 1000)
	stale := testNow.AddDate(0, 0, -10)
	fresh := testNow.AddDate(0, 0, -2)
	h.seed(t, "alice",
		storage.Subscription{ChannelID: "OLD", Title: "old", Enrichment: &storage.Enrichment{LastUploadAt: stale, TotalVideoCount: 1}},
		storage.Subscription{ChannelID: "NEW", Title: "new", Enrichment: &storage.Enrichment{LastUploadAt: fresh, TotalVideoCount: 7}},
	)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("NEW"), item("OLD")}}
	h.api.withDetail("OLD", 42, testNow.AddDate(0, 0, -1))

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"OLD"}, h.api.detailCalls)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, int64(42), h.record(t, "OLD").Enrichment.TotalVideoCount)
	assert.Equal(t, int64(7), h.record(t, "NEW").Enrichment.TotalVideoCount)
	assert.True(t, h.record(t, "NEW").Enrichment.LastUploadAt.Equal(fresh))
}

func TestRunListingSync_UploadFrequency(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A")}}
	h.api.withDetail("A", 50, testNow.AddDate(0, 0, -1))

	_, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	enr := h.record(t, "A").Enrichment
	require.NotNil(t, enr)
	assert.InDelta(t, 0.5, enr.UploadFrequency, 1e-9)
	assert.Equal(t, testNow, enr.FetchedAt)
}

func TestRunListingSync_BudgetStopsBeforeNextPage(t *testing.T) {
	h := newHarness(t, 1)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A")}, NextCursor: "p2"}
	h.api.withDetail("A", 10, testNow)

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateBudgetStopped, sum.State)
	assert.Equal(t, []string{""}, h.api.cursors)
	assert.Empty(t, h.api.detailCalls, "enrichment starved, listing continued")
	assert.Nil(t, h.record(t, "A").Enrichment)
	assert.Equal(t, 0, sum.Forecast.Remaining)

	cp := h.checkpoint(checkpoint.KindListing, "alice")
	assert.True(t, cp.Load().Equal(checkpoint.Checkpoint{LastItemKey: "A", PageCursor: "p2"}))
	assert.Equal(t, 0, cp.cleared)
	assert.Contains(t, sum.String(), "resume after")
}

func TestRunListingSync_NoBudgetFetchesNothing(t *testing.T) {
	h := newHarness(t, 0)

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, StateBudgetStopped, sum.State)
	assert.Empty(t, h.api.cursors)
}

func TestRunListingSync_CapStops(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A"), item("B")}}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 1)
	require.NoError(t, err)

	assert.Equal(t, StateCapStopped, sum.State)
	assert.Equal(t, 1, sum.Processed)
	_, err = h.store.GetSubscription(context.Background(), "B")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, h.checkpoint(checkpoint.KindListing, "alice").cleared)
}

func TestRunListingSync_CancelledAfterInFlightItem(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A"), item("B")}, NextCursor: "p2"}
	h.api.withDetail("A", 10, testNow)
	h.api.withDetail("B", 10, testNow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.onDetail = func(string) { cancel() }

	sum, err := h.mgr.RunListingSync(ctx, "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, sum.State)
	assert.Equal(t, 1, sum.Processed)
	assert.NotNil(t, h.record(t, "A").Enrichment, "in-flight item completes")
	_, err = h.store.GetSubscription(context.Background(), "B")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cp := h.checkpoint(checkpoint.KindListing, "alice")
	assert.True(t, cp.Load().Equal(checkpoint.Checkpoint{LastItemKey: "A"}))
}

func TestRunListingSync_CapStopMidPageResumesSamePage(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A"), item("B"), item("C")}, NextCursor: "p2"}
	h.api.pages["p2"] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("D")}}
	cp := h.checkpoint(checkpoint.KindListing, "alice")

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, StateCapStopped, sum.State)
	assert.True(t, cp.Load().Equal(checkpoint.Checkpoint{LastItemKey: "A"}))

	sum, err = h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, []string{"", "", "p2"}, h.api.cursors)
	assert.Equal(t, 3, sum.Added, "B, C and D")

	for _, id := range []string{"A", "B", "C", "D"} {
		h.record(t, id)
	}
	assert.True(t, cp.Load().IsEmpty())
}

func TestRunListingSync_CappedRunsReachEveryChannel(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A"), item("B")}, NextCursor: "p2"}
	h.api.pages["p2"] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("D")}}

	var states []State
	for run := 0; run < 6; run++ {
		sum, err := h.mgr.RunListingSync(context.Background(), "alice", 1)
		require.NoError(t, err)
		states = append(states, sum.State)
		if sum.State == StateExhausted {
			break
		}
	}

	assert.Equal(t, []State{StateCapStopped, StateCapStopped, StateExhausted}, states)
	for _, id := range []string{"A", "B", "D"} {
		h.record(t, id)
	}
}

func TestRunListingSync_CheckpointedChannelGoneProcessesWholePage(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages["p2"] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("D"), item("E")}}
	cp := h.checkpoint(checkpoint.KindListing, "alice")
	cp.current = checkpoint.Checkpoint{LastItemKey: "C", PageCursor: "p2"}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, []string{"D", "E"}, cp.keys())
}

func TestRunListingSync_SpendRecordedAfterLedgerDrained(t *testing.T) {
	h := newHarness(t, 10)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A")}}
	h.api.withDetail("A", 10, testNow)
	h.api.onDetail = func(string) {
		// another pass spends everything but one unit while the call is in flight
		ok, err := h.ledger.Charge(quota.OpList, h.ledger.Remaining()-1)
		require.NoError(t, err)
		require.True(t, ok)
	}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, 10, h.ledger.Consumed(), "both reads recorded up to the limit")
}

func TestRunListingSync_RetriesTransientPageErrors(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.listFailures = 2
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("A")}}
	h.api.details["A"] = &youtube.ChannelDetail{ChannelID: "A"}

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Len(t, h.api.cursors, 3)
	assert.Equal(t, 2, h.ledger.Consumed(), "failed attempts are not charged")
}

func TestRunListingSync_RemoteQuotaStops(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pageErr[""] = remoteErr(403, "quotaExceeded", youtube.ErrQuotaExceeded)

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, StateBudgetStopped, sum.State)
	assert.Len(t, h.api.cursors, 1, "quota errors are not retried")
}

func TestRunListingSync_PermanentPageErrorFails(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pageErr[""] = remoteErr(400, "badRequest", youtube.ErrBadRequest)

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, youtube.ErrBadRequest)
	assert.Equal(t, StateFailed, sum.State)
	assert.Equal(t, err, sum.Err)
}

func TestRunListingSync_MissingChannelStoredWithoutEnrichment(t *testing.T) {
	h := newHarness(t, 1000)
	h.api.pages[""] = &youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{item("GONE"), item("B")}}
	h.api.withDetail("B", 10, testNow)

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, sum.State)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, 1, sum.Enriched)
	assert.Nil(t, h.record(t, "GONE").Enrichment)
}

func TestRunListingSync_ConnectFailure(t *testing.T) {
	h := newHarness(t, 1000)
	h.conn.err = errors.New("no token")

	sum, err := h.mgr.RunListingSync(context.Background(), "alice", 0)
	require.Error(t, err)
	assert.Equal(t, StateFailed, sum.State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "budget-stopped", StateBudgetStopped.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StatePaging.Terminal())
}

func TestSummary_String(t *testing.T) {
	s := &Summary{Pass: PassListing, Account: "alice", State: StateExhausted, Processed: 3, Added: 2, Updated: 1}
	assert.Equal(t, "listing pass for alice: exhausted; processed 3 (added 2, updated 1, enriched 0, failed 0)", s.String())

	s.Forecast.NextResetAt = time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)
	assert.Contains(t, s.String(), "units remaining")
}
