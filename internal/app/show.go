package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"dex-sonar/internal/storage"
)

// Show prints recently delivered alerts from the audit table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Pool, opts.Limit)
	if err != nil {
		return err
	}
	printAlerts(os.Stdout, alerts)
	return nil
}

func printAlerts(w io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPool\tName\tRule\tKind\tDrop%\tRecovery%\tVolume\tFlags")

	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.GeneratedAt.UTC().Format(time.RFC3339),
			rec.PoolID,
			rec.PoolName,
			rec.RuleID,
			rec.Kind,
			rec.DropPct.StringFixed(2),
			rec.RecoveryPct.StringFixed(2),
			rec.Volume.StringFixed(2),
			alertFlags(rec),
		)
	}

	writer.Flush()
}

func alertFlags(rec storage.AlertRecord) string {
	switch {
	case rec.Significant && rec.StaleMetrics:
		return "significant,stale"
	case rec.Significant:
		return "significant"
	case rec.StaleMetrics:
		return "stale"
	default:
		return "-"
	}
}
