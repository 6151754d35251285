package syncer

import (
	"fmt"
	"sort"
	"strings"

	"ytsubs/internal/quota"
)

// Pass names used in summaries and logs.
const (
	PassListing      = "listing"
	PassImport       = "import"
	PassCSV          = "csv-import"
	PassWatchHistory = "watch-history"
)

// Summary is the outcome of a listing, CSV or watch-history pass.
type Summary struct {
	RunID   string
	Pass    string
	Account string
	State   State
	// Processed counts items handled, including failed ones.
	Processed int
	Added     int
	Updated   int
	// Enriched counts items whose channel statistics were fetched.
	Enriched int
	Failed   int
	// Err is set when State is StateFailed.
	Err      error
	Forecast quota.Forecast
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s pass for %s: %s; processed %d (added %d, updated %d, enriched %d, failed %d)",
		s.Pass, s.Account, s.State, s.Processed, s.Added, s.Updated, s.Enriched, s.Failed)
	if s.Err != nil {
		fmt.Fprintf(&b, "; error: %v", s.Err)
	}
	writeForecast(&b, s.State, s.Forecast)
	return b.String()
}

// Outcome classifies one attempted import.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeAlreadySubscribed  Outcome = "already_subscribed"
	OutcomeChannelNotFound    Outcome = "channel_not_found"
	OutcomeSubscriptionFailed Outcome = "subscription_failed"
	OutcomeUnexpectedError    Outcome = "unexpected_error"
)

// Problematic reports whether the outcome is recorded as a problem flag.
func (o Outcome) Problematic() bool {
	return o != OutcomeSuccess && o != OutcomeAlreadySubscribed
}

// ImportSummary is the outcome of a cross-account import pass.
type ImportSummary struct {
	RunID  string
	Source string
	Target string
	State  State
	// Processed counts subscribe attempts; it is what max_ops bounds.
	Processed         int
	Imported          int
	AlreadySubscribed int
	Failed            int
	// Skipped counts records the target account already had.
	Skipped  int
	Outcomes map[Outcome]int
	// Problems is the number of problem flags held for the target after the pass.
	Problems int
	Err      error
	Forecast quota.Forecast
}

func (s *ImportSummary) record(o Outcome) {
	if s.Outcomes == nil {
		s.Outcomes = make(map[Outcome]int)
	}
	s.Outcomes[o]++
	switch o {
	case OutcomeSuccess:
		s.Imported++
	case OutcomeAlreadySubscribed:
		s.AlreadySubscribed++
	default:
		s.Failed++
	}
}

func (s *ImportSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "import %s -> %s: %s; processed %d (imported %d, already subscribed %d, failed %d, skipped %d)",
		s.Source, s.Target, s.State, s.Processed, s.Imported, s.AlreadySubscribed, s.Failed, s.Skipped)
	if len(s.Outcomes) > 0 {
		keys := make([]string, 0, len(s.Outcomes))
		for o, n := range s.Outcomes {
			keys = append(keys, fmt.Sprintf("%s=%d", o, n))
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, " [%s]", strings.Join(keys, " "))
	}
	if s.Problems > 0 {
		fmt.Fprintf(&b, "; %d problem subscriptions flagged", s.Problems)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "; error: %v", s.Err)
	}
	writeForecast(&b, s.State, s.Forecast)
	return b.String()
}

func writeForecast(b *strings.Builder, state State, f quota.Forecast) {
	if f.NextResetAt.IsZero() {
		return
	}
	if state == StateBudgetStopped {
		fmt.Fprintf(b, "; daily quota exhausted, resume after %s", f.NextResetAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(b, "\n%s", f)
}
