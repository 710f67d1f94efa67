package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"dex-sonar/internal/control"
	"dex-sonar/internal/pattern"
)

// SetPaused writes the shared pause switch that every running instance polls.
func (a *App) SetPaused(ctx context.Context, paused bool, reason string) error {
	client, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("redis.addr not configured; use control.paused in the config file instead")
	}
	defer client.Close()

	store := control.NewRedisStore(client, a.controlKey())
	if err := store.Put(ctx, paused, reason); err != nil {
		return err
	}
	a.Logger.Info().Bool("paused", paused).Str("reason", reason).Str("key", a.controlKey()).Msg("pause switch written")
	return nil
}

// Rules validates the configured rules and prints the accepted ones. Any rejection makes the
// command fail after printing.
func (a *App) Rules(_ context.Context) error {
	rules, errs := pattern.LoadRules(1, a.Config.Rules)
	printRules(os.Stdout, rules, errs)
	if len(errs) > 0 {
		return fmt.Errorf("%d rule(s) rejected", len(errs))
	}
	return nil
}

func printRules(w io.Writer, rules *pattern.RuleSet, errs []error) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKind\tDrop%\tDrop window\tRecovery%\tRecovery window\tMin volume\tCooldown")
	for _, r := range rules.Rules {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Kind,
			r.DropPct.String(),
			r.DropWindow,
			r.RecoveryPct.String(),
			r.RecoveryWindow,
			r.MinVolume.String(),
			r.Cooldown,
		)
	}
	writer.Flush()

	fmt.Fprintf(w, "%d rule(s) loaded, series retention %s\n", len(rules.Rules), rules.MaxLookback())
	for _, err := range errs {
		fmt.Fprintf(w, "rejected: %v\n", err)
	}
}
