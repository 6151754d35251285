package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"ytsubs/internal/auth"
	"ytsubs/internal/scheduler"
	"ytsubs/internal/syncer"
	"ytsubs/internal/takeout"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	args := os.Args[2:]

	var code int
	switch command {
	case "get":
		code = cmdGet(ctx, args)
	case "import":
		code = cmdImport(ctx, args)
	case "quota":
		code = cmdQuota(ctx, args)
	case "accounts":
		code = cmdAccounts(ctx, args)
	case "daemon":
		code = cmdDaemon(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ytsubs - quota-aware YouTube subscription sync

Usage:
  ytsubs get [flags]        Sync subscriptions (or watch history) into local storage
  ytsubs import [flags]     Subscribe one account to another account's channels
  ytsubs quota [flags]      Show today's quota usage and capacity forecast
  ytsubs accounts [flags]   List accounts with client secrets and stored records
  ytsubs daemon [flags]     Run listing passes on a schedule
  ytsubs help               Show this help message

Examples:
  ytsubs get --account alice                          # Listing pass via the API
  ytsubs get --account alice --max-ops 100            # Stop after 100 channels
  ytsubs get --account alice --format csv             # Import takeout subscriptions.csv
  ytsubs get --account alice --watched --format json  # Import takeout watch history
  ytsubs import --source alice --target bob           # Copy subscriptions
  ytsubs daemon --account alice,bob                   # Daily listing passes

Configuration is read from ytsubs.{yaml,json,toml} and YTSUBS_* variables.
For help on specific command: ytsubs <command> -h
`)
}

func newFlagSet(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := fs.String("config", "", "Config file (default: ytsubs.yaml in . or $XDG_CONFIG_HOME/ytsubs)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytsubs %s %s\n\nFlags:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs, configFile
}

func openApp(ctx context.Context, configFile string) (*app, bool) {
	a, err := newApp(ctx, configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, false
	}
	return a, true
}

func cmdGet(ctx context.Context, args []string) int {
	fs, configFile := newFlagSet("get", "[flags]")
	account := fs.String("account", "", "Account name (prompted when several exist)")
	watched := fs.Bool("watched", false, "Import watch history instead of subscriptions")
	format := fs.String("format", "", "Source: api or csv for subscriptions (default api); html or json for watch history (default html)")
	file := fs.String("file", "", "Takeout file (default: the account's file under takeout_dir)")
	maxOps := fs.Int("max-ops", 0, "Maximum items to process (0 = no limit)")
	fs.Parse(args)

	a, ok := openApp(ctx, *configFile)
	if !ok {
		return 1
	}
	defer a.Close()

	name, err := a.resolveAccount(*account, "account")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var summary fmt.Stringer
	var state syncer.State
	err = a.withPassLock(name, func() error {
		var sum *syncer.Summary
		var err error
		switch {
		case *watched:
			f := takeout.Format(*format)
			if f == "" {
				f = takeout.FormatHTML
			}
			path := *file
			if path == "" {
				path = takeout.WatchHistoryPath(a.cfg.TakeoutDir, name, f)
			}
			sum, err = a.manager.RunWatchHistory(ctx, name, path, f, *maxOps)
		case *format == "csv":
			path := *file
			if path == "" {
				path = takeout.SubscriptionsCSVPath(a.cfg.TakeoutDir, name)
			}
			sum, err = a.manager.RunCSVImport(ctx, name, path)
		case *format == "" || *format == "api":
			sum, err = a.manager.RunListingSync(ctx, name, *maxOps)
		default:
			return fmt.Errorf("invalid --format %q for subscriptions (use api or csv)", *format)
		}
		if sum != nil {
			summary, state = sum, sum.State
		}
		return err
	})
	return report(summary, state, err)
}

func cmdImport(ctx context.Context, args []string) int {
	fs, configFile := newFlagSet("import", "--source <account> --target <account> [flags]")
	source := fs.String("source", "", "Account to copy subscriptions from")
	target := fs.String("target", "", "Account to subscribe")
	maxOps := fs.Int("max-ops", 0, "Maximum subscribe attempts (0 = no limit)")
	fs.Parse(args)

	a, ok := openApp(ctx, *configFile)
	if !ok {
		return 1
	}
	defer a.Close()

	src, err := a.resolveAccount(*source, "source")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tgt, err := a.resolveAccount(*target, "target")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var summary fmt.Stringer
	var state syncer.State
	err = a.withPassLock(tgt, func() error {
		sum, err := a.manager.RunImport(ctx, src, tgt, *maxOps)
		if sum != nil {
			summary, state = sum, sum.State
		}
		return err
	})
	return report(summary, state, err)
}

// report prints a pass summary and returns the exit code.
func report(summary fmt.Stringer, state syncer.State, err error) int {
	if summary != nil {
		fmt.Println(summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if state == syncer.StateCancelled {
		return 130
	}
	return 0
}

func cmdQuota(ctx context.Context, args []string) int {
	fs, configFile := newFlagSet("quota", "[flags]")
	fs.Parse(args)

	a, ok := openApp(ctx, *configFile)
	if !ok {
		return 1
	}
	defer a.Close()

	f := a.ledger.Forecast()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Daily limit:\t%d\n", a.ledger.Limit())
	fmt.Fprintf(w, "Consumed today:\t%d\n", a.ledger.Consumed())
	fmt.Fprintf(w, "Remaining:\t%d\n", f.Remaining)
	fmt.Fprintf(w, "Importable subscriptions:\t~%d\n", f.Importable)
	fmt.Fprintf(w, "Enrichable channels:\t~%d\n", f.Enrichable)
	fmt.Fprintf(w, "Next reset:\t%s\n", f.NextResetAt.Format("2006-01-02 15:04 MST"))
	w.Flush()
	return 0
}

func cmdAccounts(ctx context.Context, args []string) int {
	fs, configFile := newFlagSet("accounts", "[flags]")
	fs.Parse(args)

	a, ok := openApp(ctx, *configFile)
	if !ok {
		return 1
	}
	defer a.Close()

	names, err := auth.DiscoverAccounts(a.cfg.SecretsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tID\tSUBSCRIPTIONS\tPROBLEMS\tWATCH HISTORY\tTOKEN")
	for _, name := range names {
		acc, err := a.store.GetOrCreateAccount(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		subs, err := a.store.ListSubscriptions(ctx, acc.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		problems, err := a.store.ListProblems(ctx, acc.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		watched, err := a.store.CountWatchHistory(ctx, acc.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		token := "missing"
		if _, err := os.Stat(a.provider.TokenPath(name)); err == nil {
			token = "saved"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", name, acc.ID, len(subs), len(problems), watched, token)
	}
	w.Flush()
	return 0
}

func cmdDaemon(ctx context.Context, args []string) int {
	fs, configFile := newFlagSet("daemon", "[flags]")
	accountList := fs.String("account", "", "Comma-separated accounts (default: all discovered)")
	schedule := fs.String("schedule", "", "Cron spec (default: config schedule)")
	maxOps := fs.Int("max-ops", 0, "Maximum channels per pass (0 = no limit)")
	fs.Parse(args)

	a, ok := openApp(ctx, *configFile)
	if !ok {
		return 1
	}
	defer a.Close()

	accounts, err := auth.DiscoverAccounts(a.cfg.SecretsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *accountList != "" {
		accounts = nil
		for _, name := range strings.Split(*accountList, ",") {
			if name = strings.TrimSpace(name); name != "" {
				accounts = append(accounts, name)
			}
		}
	}
	spec := *schedule
	if spec == "" {
		spec = a.cfg.Schedule
	}

	s := scheduler.New(a.logger)
	for _, name := range accounts {
		err := s.Add(ctx, spec, "listing:"+name, func(ctx context.Context) error {
			return a.withPassLock(name, func() error {
				sum, err := a.manager.RunListingSync(ctx, name, *maxOps)
				if sum != nil {
					a.logger.Info(sum.String())
				}
				return err
			})
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	a.logger.Info("daemon started", "accounts", accounts, "schedule", spec)
	s.Run(ctx)
	return 0
}
