package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"dex-sonar/internal/alerting"
	"dex-sonar/internal/config"
	"dex-sonar/internal/domain"
	"dex-sonar/internal/feed"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/registry"
	"dex-sonar/internal/series"
	"dex-sonar/internal/service"
)

// ReplayResult is what an offline replay produced for one pool.
type ReplayResult struct {
	PoolID  string
	Events  int
	Samples []domain.Sample
	Matches []domain.PatternMatch
	Stats   series.Stats
}

// Replay runs a trades file through the series builder and pattern matcher offline and prints
// every match. With Notify set the matches also go through the dispatcher.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	f, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open trades csv: %w", err)
	}
	events, err := feed.ReadTrades(f)
	f.Close()
	if err != nil {
		return err
	}

	rules := service.LoadRules(1, a.Config.Rules, a.Logger)
	if len(rules.Rules) == 0 {
		return errors.New("no valid rules configured")
	}

	results := replayEvents(events, opts.Pool, rules, a.Config.Series)
	if len(results) == 0 {
		return fmt.Errorf("no trades for pool %q in %s", opts.Pool, opts.Path)
	}
	printMatches(os.Stdout, results)

	if opts.Notify {
		if err := a.notifyReplay(ctx, results); err != nil {
			return err
		}
	}

	if opts.CSVPath != "" || opts.PNGPath != "" {
		if len(results) > 1 {
			return errors.New("export needs a single pool, pass --pool")
		}
		maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)
		return a.exportSeries(results[0], opts.CSVPath, opts.PNGPath, maxPoints)
	}
	return nil
}

// replayEvents feeds events in file order, one builder and matcher per pool. Retention covers
// the whole file so the full series is available afterwards. Results are sorted by pool.
func replayEvents(events []domain.TradeEvent, onlyPool string, rules *pattern.RuleSet, cfg config.SeriesConfig) []ReplayResult {
	retention := rules.MaxLookback()
	if cfg.MinRetention > retention {
		retention = cfg.MinRetention
	}
	if span := eventSpan(events); span > retention {
		retention = span
	}

	type pipeline struct {
		builder *series.Builder
		result  *ReplayResult
	}
	var clock time.Time
	now := func() time.Time { return clock }
	pools := make(map[string]*pipeline)

	for _, e := range events {
		if onlyPool != "" && !strings.EqualFold(e.PoolID, onlyPool) {
			continue
		}
		p, ok := pools[e.PoolID]
		if !ok {
			res := &ReplayResult{PoolID: e.PoolID}
			seen := make(map[string]struct{})
			matcher := pattern.NewMatcher(e.PoolID, rules.Rules, func(m domain.PatternMatch) {
				// a backfill replays the retained series and re-emits earlier shapes
				key := m.RuleID + "|" + m.WindowStart.String()
				if _, dup := seen[key]; dup {
					return
				}
				seen[key] = struct{}{}
				res.Matches = append(res.Matches, m)
			}, now)
			p = &pipeline{
				builder: series.NewBuilder(e.PoolID, series.Options{
					Retention:         retention,
					BackfillTolerance: cfg.BackfillTolerance,
				}, matcher),
				result: res,
			}
			pools[e.PoolID] = p
		}

		if e.Timestamp.After(clock) {
			clock = e.Timestamp
		}
		p.result.Events++
		_, _ = p.builder.Ingest(e)
	}

	out := make([]ReplayResult, 0, len(pools))
	for _, p := range pools {
		p.result.Samples = p.builder.Samples()
		p.result.Stats = p.builder.Stats()
		out = append(out, *p.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func eventSpan(events []domain.TradeEvent) time.Duration {
	if len(events) == 0 {
		return 0
	}
	lo, hi := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(lo) {
			lo = e.Timestamp
		}
		if e.Timestamp.After(hi) {
			hi = e.Timestamp
		}
	}
	return hi.Sub(lo)
}

func printMatches(w io.Writer, results []ReplayResult) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pool\tRule\tWindow start (UTC)\tWindow end (UTC)\tDrop%\tRecovery%\tVolume\tSignificant")
	total := 0
	for _, res := range results {
		for _, m := range res.Matches {
			total++
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				m.PoolID,
				m.RuleID,
				m.WindowStart.UTC().Format(time.RFC3339),
				m.WindowEnd.UTC().Format(time.RFC3339),
				m.DropPct.StringFixed(2),
				m.RecoveryPct.StringFixed(2),
				m.Volume.StringFixed(2),
				m.Significant,
			)
		}
	}
	writer.Flush()

	for _, res := range results {
		fmt.Fprintf(w, "%s: %d events, %d samples, %d matches, %d out of order, %d invalid, %d duplicates\n",
			res.PoolID, res.Events, len(res.Samples), len(res.Matches), res.Stats.OutOfOrder, res.Stats.Invalid, res.Stats.Duplicates)
	}
	if total == 0 {
		fmt.Fprintln(w, "no matches found")
	}
}

func (a *App) notifyReplay(ctx context.Context, results []ReplayResult) error {
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	watchlist, _ := registry.BuildWatchlist(a.Config.Feed.Network, a.Config.Registry.Pools)
	reg := registry.New(a.Logger, nil)
	reg.Replace(watchlist)

	disp := alerting.NewDispatcher(a.dispatcherOptions(), notifier, nil, reg, nil, a.Logger)
	disp.Start(ctx)
	for _, res := range results {
		for _, m := range res.Matches {
			if err := disp.Submit(m); err != nil {
				a.Logger.Warn().Err(err).Str("pool", m.PoolID).Str("rule", m.RuleID).Msg("replay match not submitted")
			}
		}
	}
	disp.Close()

	st := disp.Stats()
	a.Logger.Info().
		Uint64("delivered", st.Delivered).
		Uint64("suppressed", st.Suppressed).
		Uint64("dropped", st.Dropped).
		Msg("replay alerts dispatched")
	return nil
}
