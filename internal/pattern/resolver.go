package pattern

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vultisig/autotransfer/internal/types"
)

const (
	DefaultMaxOccurrences = 365
	DefaultHorizon        = 365 * 24 * time.Hour
)

// Resolver turns a Spec into a finite, strictly increasing list of
// instants. It does no I/O and has no hidden inputs besides now.
type Resolver struct {
	maxOccurrences int
	horizon        time.Duration
	cronParser     cron.Parser
}

func NewResolver(maxOccurrences int) *Resolver {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}
	return &Resolver{
		maxOccurrences: maxOccurrences,
		horizon:        DefaultHorizon,
		cronParser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (r *Resolver) MaxOccurrences() int {
	return r.maxOccurrences
}

func (r *Resolver) Resolve(spec Spec, now time.Time) ([]Occurrence, error) {
	set := 0
	for _, v := range []bool{spec.Once != nil, spec.Recurring != nil, spec.NaturalLanguage != nil, spec.Cron != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return nil, types.InvalidSchedule("exactly one schedule variant must be set, got %d", set)
	}

	var (
		instants []time.Time
		err      error
	)
	switch {
	case spec.Once != nil:
		instants, err = r.resolveOnce(*spec.Once, now)
	case spec.Recurring != nil:
		instants, err = r.resolveRecurring(*spec.Recurring)
	case spec.NaturalLanguage != nil:
		instants, err = r.resolveNatural(*spec.NaturalLanguage, now)
	case spec.Cron != nil:
		instants, err = r.resolveCron(*spec.Cron)
	}
	if err != nil {
		return nil, err
	}
	if len(instants) == 0 {
		return nil, types.InvalidSchedule("schedule yields no occurrences")
	}

	out := make([]Occurrence, len(instants))
	for i, at := range instants {
		if i > 0 && !at.After(instants[i-1]) {
			return nil, types.InvalidSchedule("occurrences are not strictly increasing at %s", at.Format(time.RFC3339))
		}
		out[i] = Occurrence{At: at, Past: at.Before(now)}
	}
	return out, nil
}

func (r *Resolver) resolveOnce(o Once, now time.Time) ([]time.Time, error) {
	if o.At != nil {
		if o.At.Before(now) {
			return nil, types.InvalidSchedule("execution time %s is in the past", o.At.Format(time.RFC3339))
		}
		return []time.Time{*o.At}, nil
	}
	if o.Delay < 0 {
		return nil, types.InvalidSchedule("negative delay %s", o.Delay)
	}
	return []time.Time{now.Add(o.Delay)}, nil
}

func (r *Resolver) resolveRecurring(rec Recurring) ([]time.Time, error) {
	if rec.Start.IsZero() {
		return nil, types.InvalidSchedule("recurring schedule requires a start")
	}
	if rec.Interval <= 0 {
		return nil, types.InvalidSchedule("interval must be positive, got %d", rec.Interval)
	}
	unit, err := ParseUnit(string(rec.Unit))
	if err != nil {
		return nil, types.InvalidSchedule("%v", err)
	}

	start := rec.Start
	if rec.TimeOfDay != "" {
		tod, err := time.Parse("15:04", rec.TimeOfDay)
		if err != nil {
			return nil, types.InvalidSchedule("invalid time of day %q", rec.TimeOfDay)
		}
		start = time.Date(start.Year(), start.Month(), start.Day(), tod.Hour(), tod.Minute(), 0, 0, start.Location())
	}

	end, err := r.endOrDefault(start, rec.End)
	if err != nil {
		return nil, err
	}
	return r.generate(start, end, unit, rec.Interval), nil
}

func (r *Resolver) resolveCron(c Cron) ([]time.Time, error) {
	if c.Start.IsZero() {
		return nil, types.InvalidSchedule("cron schedule requires a start")
	}
	sched, err := r.cronParser.Parse(c.Expr)
	if err != nil {
		return nil, types.InvalidSchedule("invalid cron expression %q: %v", c.Expr, err)
	}
	end, err := r.endOrDefault(c.Start, c.End)
	if err != nil {
		return nil, err
	}

	var instants []time.Time
	// Next is exclusive, step back so a matching start is included
	next := sched.Next(c.Start.Add(-time.Second))
	for len(instants) < r.maxOccurrences && !next.IsZero() && !next.After(end) {
		instants = append(instants, next)
		next = sched.Next(next)
	}
	return instants, nil
}

func (r *Resolver) endOrDefault(start time.Time, end *time.Time) (time.Time, error) {
	if end == nil {
		return start.Add(r.horizon), nil
	}
	if end.Before(start) {
		return time.Time{}, types.InvalidSchedule("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return *end, nil
}

// generate steps from start, always offsetting from start rather than from
// the previous instant so month stepping does not drift.
func (r *Resolver) generate(start, end time.Time, unit Unit, interval int) []time.Time {
	var instants []time.Time
	for i := 0; i < r.maxOccurrences; i++ {
		at := step(start, unit, i*interval)
		if at.After(end) {
			break
		}
		instants = append(instants, at)
	}
	return instants
}
