// Package ytsubs synchronizes YouTube channel subscriptions into local storage
// under a hard daily API quota.
//
// Overview
//
// A sync pass pages through an account's subscriptions, merges every channel
// into a shared store and, when a channel's statistics are missing or stale,
// fetches them. Every remote call is checked against the daily quota first, and
// progress is checkpointed after each channel, so a pass stopped by the budget,
// an operation cap or Ctrl-C resumes where it left off on the next run.
//
// The same channel record is shared by every local account subscribed to it.
// An import pass subscribes one account to the channels another account follows,
// recording failed attempts as problem subscriptions.
//
// Command line
//
//	ytsubs get --account alice                   # listing pass
//	ytsubs get --account alice --format csv      # takeout subscriptions.csv
//	ytsubs get --account alice --watched         # takeout watch history
//	ytsubs import --source alice --target bob    # cross-account import
//	ytsubs quota                                 # usage and forecast
//	ytsubs daemon --account alice                # scheduled listing passes
//
// Accounts are discovered from client_secret_<name>.json files in the secrets
// directory. The first use of an account opens a browser consent flow when a
// terminal is attached; the token is then saved next to the secret.
//
// Configuration
//
// Settings are loaded from multiple sources:
//
//  1. Environment variables (highest priority), also read from a .env file
//  2. Config file (ytsubs.yaml, .json or .toml in . or $XDG_CONFIG_HOME/ytsubs)
//  3. Default values (lowest priority)
//
// Environment variables:
//
//   - YTSUBS_STATE_DIR: store, quota ledger and checkpoints ($XDG_STATE_HOME/ytsubs)
//   - YTSUBS_SECRETS_DIR: OAuth client secrets and tokens
//   - YTSUBS_STORAGE: json or postgres
//   - YTSUBS_DATABASE_URL: Postgres DSN when YTSUBS_STORAGE=postgres
//   - YTSUBS_DAILY_QUOTA: units per day (default 9000)
//   - YTSUBS_CALL_DELAY: pause between remote calls (default 1s)
//   - YTSUBS_MAX_ATTEMPTS: attempts per remote call (default 5)
//   - YTSUBS_STALE_AFTER: age of the last upload that triggers a refresh (default 168h)
//   - YTSUBS_LOG_LEVEL, YTSUBS_LOG_FORMAT: slog level and text/json output
//
// Error Handling
//
// Errors follow standard Go patterns. Sentinels are re-exported here:
//
//	if errors.Is(err, ytsubs.ErrQuotaExceeded) {
//		fmt.Println("remote quota exhausted, try after midnight")
//	}
//
// Typed errors carry operation details:
//
//	var apiErr *ytsubs.APIError
//	if errors.As(err, &apiErr) {
//		fmt.Printf("%s failed with status %d (%s)\n", apiErr.Op, apiErr.StatusCode, apiErr.Reason)
//	}
package ytsubs
