package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/text/language"

	"github.com/ahmethakanbesel/pricefeed/internal/price"
	"github.com/ahmethakanbesel/pricefeed/internal/refresh"
	"github.com/ahmethakanbesel/pricefeed/internal/sip"
)

// run opens the shared components, hands them to fn and reports fn's error.
func run(fn func(a *app) error) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := fn(a); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type priceCmd struct {
	force bool
}

func (*priceCmd) Name() string     { return "price" }
func (*priceCmd) Synopsis() string { return "look up the price of one symbol" }
func (*priceCmd) Usage() string {
	return `pricefeed price [-force] <symbol>

  Prints the price of a ticker (AAPL, RELIANCE.NS) or a mutual fund scheme
  code (120503), served from the cache while it is fresh.
`
}

func (c *priceCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.force, "force", false, "Bypass the cache and query the upstream source.")
}

func (c *priceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return run(func(a *app) error {
		res, err := a.fetcher.GetPriceWithFallback(ctx, f.Arg(0), c.force)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

type refreshCmd struct {
	batchSize int
	timeout   time.Duration
	lang      string
}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "refresh symbols from upstream and wait for the session" }
func (*refreshCmd) Usage() string {
	return `pricefeed refresh [-batch <n>] [-timeout <duration>] [-lang <tag>] [symbol ...]

  Runs a manual refresh session. Without symbols every tracked symbol is
  refreshed. Prints the session summary followed by per-symbol results.
`
}

func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.batchSize, "batch", 0, "Symbols per batch. Zero uses the configured batch size.")
	f.DurationVar(&c.timeout, "timeout", 0, "Per-symbol timeout. Zero uses the source timeout.")
	f.StringVar(&c.lang, "lang", "en", "Language of the summary line (en, tr).")
}

func (c *refreshCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	tag, err := language.Parse(c.lang)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -lang: %v\n", err)
		return subcommands.ExitUsageError
	}

	return run(func(a *app) error {
		m := refresh.New(ctx, a.fetcher, a.prices, a.cfg.Refresh)
		defer m.Close()

		id, err := m.StartRefresh(ctx, refresh.Request{
			Symbols:   f.Args(),
			BatchSize: c.batchSize,
			Timeout:   c.timeout,
		})
		if err != nil {
			return err
		}

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			s, _ := m.GetRefreshStatus(id)
			if s.Status.Terminal() {
				fmt.Println(s.Summary(tag))
				if err := printJSON(s.Results); err != nil {
					return err
				}
				if s.Outcome() == refresh.OutcomeFailed {
					return fmt.Errorf("refresh %s failed", id)
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

type cacheStatsCmd struct{}

func (*cacheStatsCmd) Name() string     { return "cache-stats" }
func (*cacheStatsCmd) Synopsis() string { return "show how fresh the price cache is" }
func (*cacheStatsCmd) Usage() string {
	return `pricefeed cache-stats

  Counts cached prices by freshness (fresh, stale, expired).
`
}
func (*cacheStatsCmd) SetFlags(*flag.FlagSet) {}

func (*cacheStatsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(func(a *app) error {
		st, err := a.prices.Stats(ctx, time.Now())
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

type cacheClearCmd struct{}

func (*cacheClearCmd) Name() string     { return "cache-clear" }
func (*cacheClearCmd) Synopsis() string { return "delete cached prices" }
func (*cacheClearCmd) Usage() string {
	return `pricefeed cache-clear [symbol ...]

  Deletes the given symbols from the cache, or every cached price when no
  symbol is given. Cleared symbols are no longer tracked by the background
  refresh.
`
}
func (*cacheClearCmd) SetFlags(*flag.FlagSet) {}

func (*cacheClearCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(func(a *app) error {
		if f.NArg() == 0 {
			n, err := a.prices.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d cached prices\n", n)
			return nil
		}
		for _, symbol := range f.Args() {
			if err := a.prices.Delete(ctx, price.NormalizeSymbol(symbol)); err != nil {
				return err
			}
		}
		fmt.Printf("deleted %d cached prices\n", f.NArg())
		return nil
	})
}

type sipProcessCmd struct {
	asOf        string
	concurrency int
}

func (*sipProcessCmd) Name() string     { return "sip-process" }
func (*sipProcessCmd) Synopsis() string { return "record every SIP installment due up to a date" }
func (*sipProcessCmd) Usage() string {
	return `pricefeed sip-process [-as-of <YYYY-MM-DD>] [-concurrency <n>]

  Prices and records every installment of every active SIP that is due on
  or before the given date, catching up missed dates. Safe to re-run.
`
}

func (c *sipProcessCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asOf, "as-of", "", "Process installments due up to this date (defaults to today).")
	f.IntVar(&c.concurrency, "concurrency", 0, "SIPs processed in parallel. Zero uses the configured value.")
}

func (c *sipProcessCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	asOf := time.Now()
	if c.asOf != "" {
		d, err := sip.ParseDate(c.asOf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -as-of: %v\n", err)
			return subcommands.ExitUsageError
		}
		asOf = d
	}
	return run(func(a *app) error {
		res, err := a.sip.ProcessBatch(ctx, asOf, c.concurrency)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

type sipRetryCmd struct{}

func (*sipRetryCmd) Name() string     { return "sip-retry" }
func (*sipRetryCmd) Synopsis() string { return "retry failed SIP transactions" }
func (*sipRetryCmd) Usage() string {
	return `pricefeed sip-retry

  Re-prices every failed transaction of an active SIP. Successful retries
  replace the failed record.
`
}
func (*sipRetryCmd) SetFlags(*flag.FlagSet) {}

func (*sipRetryCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(func(a *app) error {
		res, err := a.sip.RetryFailedTransactions(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

type sipCleanupCmd struct {
	olderThan time.Duration
}

func (*sipCleanupCmd) Name() string     { return "sip-cleanup" }
func (*sipCleanupCmd) Synopsis() string { return "delete old failed SIP transactions" }
func (*sipCleanupCmd) Usage() string {
	return `pricefeed sip-cleanup [-older-than <duration>]

  Deletes failed transactions recorded before the retention window.
`
}

func (c *sipCleanupCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.olderThan, "older-than", 0, "Retention window, e.g. 720h. Zero uses sip.failed_retention.")
}

func (c *sipCleanupCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(func(a *app) error {
		n, err := a.sip.CleanupOldFailedTransactions(ctx, c.olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d failed transactions\n", n)
		return nil
	})
}

type sipStatsCmd struct {
	from string
	to   string
}

func (*sipStatsCmd) Name() string     { return "sip-stats" }
func (*sipStatsCmd) Synopsis() string { return "summarise SIP transactions over a date range" }
func (*sipStatsCmd) Usage() string {
	return `pricefeed sip-stats [-from <YYYY-MM-DD>] [-to <YYYY-MM-DD>]

  Reports transaction counts, success rate and amount invested. The range
  defaults to the last 30 days.
`
}

func (c *sipStatsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.from, "from", "", "First transaction date (inclusive).")
	f.StringVar(&c.to, "to", "", "Last transaction date (inclusive).")
}

func (c *sipStatsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	to := time.Now()
	from := to.AddDate(0, 0, -30)
	var err error
	if c.from != "" {
		if from, err = sip.ParseDate(c.from); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -from: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	if c.to != "" {
		if to, err = sip.ParseDate(c.to); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -to: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	return run(func(a *app) error {
		st, err := a.sip.Stats(ctx, from, to)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}
