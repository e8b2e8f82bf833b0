package pattern

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vultisig/autotransfer/internal/types"
)

const unitExpr = `(minutes?|hours?|days?|weeks?|months?)`

var (
	afterRe      = regexp.MustCompile(`^after (\d+) ` + unitExpr + `$`)
	everyNRe     = regexp.MustCompile(`^every (\d+) ` + unitExpr + `$`)
	everyRe      = regexp.MustCompile(`^every ` + unitExpr + `$`)
	everyUntilRe = regexp.MustCompile(`^every ` + unitExpr + ` until (.+)$`)
	everyForRe   = regexp.MustCompile(`^every ` + unitExpr + ` for (\d+) ` + unitExpr + `$`)
)

var dateLayouts = []string{
	"2006-01-02",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"January 2, 2006",
}

// resolveNatural matches the pattern against a closed grammar:
//
//	after N unit
//	every N unit
//	every unit
//	every unit until DATE
//	every unit for N unit
//
// Anything else is rejected.
func (r *Resolver) resolveNatural(nl NaturalLanguage, now time.Time) ([]time.Time, error) {
	pattern := strings.Join(strings.Fields(strings.ToLower(nl.Pattern)), " ")
	if pattern == "" {
		return nil, types.InvalidSchedule("empty pattern")
	}
	start := nl.Start
	if start.IsZero() {
		start = now
	}

	if m := afterRe.FindStringSubmatch(pattern); m != nil {
		n, unit, err := countAndUnit(m[1], m[2])
		if err != nil {
			return nil, err
		}
		return []time.Time{step(start, unit, n)}, nil
	}

	if m := everyNRe.FindStringSubmatch(pattern); m != nil {
		n, unit, err := countAndUnit(m[1], m[2])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, types.InvalidSchedule("interval must be positive in %q", nl.Pattern)
		}
		end, err := r.endOrDefault(start, nl.End)
		if err != nil {
			return nil, err
		}
		return r.generate(start, end, unit, n), nil
	}

	if m := everyRe.FindStringSubmatch(pattern); m != nil {
		unit, _ := ParseUnit(m[1])
		end, err := r.endOrDefault(start, nl.End)
		if err != nil {
			return nil, err
		}
		return r.generate(start, end, unit, 1), nil
	}

	if m := everyUntilRe.FindStringSubmatch(pattern); m != nil {
		unit, _ := ParseUnit(m[1])
		until, err := parseDate(m[2], start.Location())
		if err != nil {
			return nil, err
		}
		// the named day is included
		end := until.Add(24*time.Hour - time.Nanosecond)
		if end.Before(start) {
			return nil, types.InvalidSchedule("until date %s is before start", m[2])
		}
		return r.generate(start, end, unit, 1), nil
	}

	if m := everyForRe.FindStringSubmatch(pattern); m != nil {
		unit, _ := ParseUnit(m[1])
		n, span, err := countAndUnit(m[2], m[3])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, types.InvalidSchedule("duration must be positive in %q", nl.Pattern)
		}
		end := step(start, span, n)
		return r.generate(start, end, unit, 1), nil
	}

	return nil, types.InvalidSchedule("unrecognized pattern %q", nl.Pattern)
}

func countAndUnit(count, unit string) (int, Unit, error) {
	n, err := strconv.Atoi(count)
	if err != nil {
		return 0, "", types.InvalidSchedule("invalid count %q", count)
	}
	u, err := ParseUnit(unit)
	if err != nil {
		return 0, "", types.InvalidSchedule("%v", err)
	}
	return n, u, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, types.InvalidSchedule("unrecognized date %q", s)
}
