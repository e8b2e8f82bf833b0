package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vultisig/autotransfer/internal/pattern"
)

type resolveOptions struct {
	pattern   string
	cron      string
	every     string
	interval  int
	timeOfDay string
	start     string
	end       string
	max       int
	now       func() time.Time
}

// NewResolveCommand prints the instants a schedule would produce, without
// touching the database.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resolveOptions{now: func() time.Time { return time.Now().UTC() }}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the occurrences of a schedule",
		Long: `Resolve a schedule into its execution instants.

Exactly one of --pattern, --cron or --every selects the schedule kind.
Past instants are listed and marked.`,
		Example: `  schedctl resolve --pattern "every monday at 9am" --end 2025-06-01T00:00:00Z
  schedctl resolve --every day --start 2025-03-01T09:00:00Z --end 2025-03-04T09:00:00Z
  schedctl resolve --cron "0 12 * * 1-5"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "natural language pattern")
	cmd.Flags().StringVar(&opts.cron, "cron", "", "five field cron expression")
	cmd.Flags().StringVar(&opts.every, "every", "", "recurring unit (minute|hour|day|week|month)")
	cmd.Flags().IntVar(&opts.interval, "interval", 1, "units between recurring occurrences")
	cmd.Flags().StringVar(&opts.timeOfDay, "time-of-day", "", "HH:MM for daily and longer units")
	cmd.Flags().StringVar(&opts.start, "start", "", "RFC 3339 start, defaults to now")
	cmd.Flags().StringVar(&opts.end, "end", "", "RFC 3339 end, inclusive")
	cmd.Flags().IntVar(&opts.max, "max", pattern.DefaultMaxOccurrences, "maximum occurrences")
	return cmd
}

func (o *resolveOptions) spec(now time.Time) (pattern.Spec, error) {
	start := now
	if o.start != "" {
		t, err := time.Parse(time.RFC3339, o.start)
		if err != nil {
			return pattern.Spec{}, fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	var end *time.Time
	if o.end != "" {
		t, err := time.Parse(time.RFC3339, o.end)
		if err != nil {
			return pattern.Spec{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = &t
	}

	var spec pattern.Spec
	set := 0
	if o.pattern != "" {
		set++
		spec.NaturalLanguage = &pattern.NaturalLanguage{Pattern: o.pattern, Start: start, End: end}
	}
	if o.cron != "" {
		set++
		spec.Cron = &pattern.Cron{Expr: o.cron, Start: start, End: end}
	}
	if o.every != "" {
		set++
		unit, err := pattern.ParseUnit(o.every)
		if err != nil {
			return pattern.Spec{}, err
		}
		spec.Recurring = &pattern.Recurring{
			Unit:      unit,
			Interval:  o.interval,
			Start:     start,
			End:       end,
			TimeOfDay: o.timeOfDay,
		}
	}
	if set != 1 {
		return pattern.Spec{}, fmt.Errorf("exactly one of --pattern, --cron or --every is required")
	}
	return spec, nil
}

func runResolve(rootOpts *RootOptions, opts *resolveOptions, cmd *cobra.Command) error {
	now := opts.now()
	spec, err := opts.spec(now)
	if err != nil {
		return err
	}
	occurrences, err := pattern.NewResolver(opts.max).Resolve(spec, now)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, occurrences)
	}
	for _, o := range occurrences {
		suffix := ""
		if o.Past {
			suffix = " (past)"
		}
		fmt.Fprintf(out, "%s%s\n", o.At.Format(time.RFC3339), suffix)
	}
	fmt.Fprintf(out, "%d occurrence(s), %d upcoming\n", len(occurrences), len(pattern.Upcoming(occurrences)))
	return nil
}
