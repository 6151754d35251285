package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"ytsubs/internal/auth"
	"ytsubs/internal/checkpoint"
	"ytsubs/internal/config"
	"ytsubs/internal/quota"
	"ytsubs/internal/storage"
	"ytsubs/internal/syncer"
	"ytsubs/internal/youtube"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Store
	ledger   *quota.Ledger
	provider *auth.Provider
	manager  *syncer.Manager
}

// newApp loads configuration and wires the store, ledger and sync manager.
func newApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	var store storage.Store
	switch cfg.Storage {
	case config.StoragePostgres:
		store, err = storage.OpenSQLStore(ctx, cfg.DatabaseURL)
	default:
		store, err = storage.NewJSONStore(cfg.StorePath())
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}

	ledger := quota.New(cfg.DailyQuota, quota.NewFileStore(cfg.QuotaPath()), quota.WithLogger(logger))

	var opts []auth.Option
	opts = append(opts, auth.WithLogger(logger))
	if interactive() {
		opts = append(opts, auth.WithInteractive(os.Stderr))
	}
	provider := auth.NewProvider(cfg.SecretsDir, opts...)
	connector := youtube.NewConnector(provider, youtube.NewPacer(cfg.CallDelay), cfg.RequestTimeout)

	checkpoints := func(kind checkpoint.Kind, scope string) checkpoint.Store {
		return checkpoint.NewFileStore(cfg.StateDir, kind, scope, logger)
	}
	manager := syncer.NewManager(store, ledger, connector, checkpoints, syncer.Config{
		Retry:      cfg.Retry(),
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ledger:   ledger,
		provider: provider,
		manager:  manager,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", "error", err)
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// interactive reports whether a person can answer prompts.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// withPassLock runs fn while holding the account's pass lock, so two passes
// for the same account never interleave checkpoint writes.
func (a *app) withPassLock(account string, fn func() error) error {
	lock := storage.NewFileLock(a.cfg.PassLockPath(account))
	if err := lock.Lock(a.cfg.LockTimeout); err != nil {
		if errors.Is(err, storage.ErrLockTimeout) {
			return fmt.Errorf("another pass for %q is running: %w", account, err)
		}
		return err
	}
	defer lock.Unlock()
	return fn()
}

// resolveAccount returns name, or picks one of the discovered accounts.
func (a *app) resolveAccount(name, role string) (string, error) {
	accounts, err := auth.DiscoverAccounts(a.cfg.SecretsDir)
	if err != nil {
		return "", err
	}
	if name != "" {
		for _, acc := range accounts {
			if acc == name {
				return name, nil
			}
		}
		return "", fmt.Errorf("account %q has no client secret in %s: %w", name, a.cfg.SecretsDir, auth.ErrNoCredentials)
	}
	if len(accounts) == 1 {
		return accounts[0], nil
	}
	if !interactive() {
		return "", fmt.Errorf("several accounts found (%s); choose one with --%s", strings.Join(accounts, ", "), role)
	}
	return promptAccount(os.Stdin, os.Stderr, accounts, role)
}

func promptAccount(in io.Reader, out io.Writer, accounts []string, role string) (string, error) {
	fmt.Fprintf(out, "Available accounts:\n")
	for i, acc := range accounts {
		fmt.Fprintf(out, "  %d. %s\n", i+1, acc)
	}
	fmt.Fprintf(out, "Choose the %s account (1-%d): ", role, len(accounts))

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read choice: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(accounts) {
		return "", fmt.Errorf("invalid choice %q", strings.TrimSpace(line))
	}
	return accounts[n-1], nil
}
