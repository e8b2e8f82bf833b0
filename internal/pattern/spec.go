package pattern

import (
	"fmt"
	"strings"
	"time"
)

type Unit string

const (
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
	Week   Unit = "week"
	Month  Unit = "month"
)

func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch u {
	case Minute, Hour, Day, Week, Month:
		return u, nil
	}
	return "", fmt.Errorf("unknown unit %q", s)
}

// Spec is the input to Resolve. Exactly one variant must be set.
type Spec struct {
	Once            *Once            `json:"once,omitempty"`
	Recurring       *Recurring       `json:"recurring,omitempty"`
	NaturalLanguage *NaturalLanguage `json:"natural_language,omitempty"`
	Cron            *Cron            `json:"cron,omitempty"`
}

// Once executes a single time, either Delay after now or at At.
type Once struct {
	Delay time.Duration `json:"delay"`
	At    *time.Time    `json:"at,omitempty"`
}

type Recurring struct {
	Unit      Unit       `json:"unit"`
	Interval  int        `json:"interval"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
	TimeOfDay string     `json:"time_of_day,omitempty"` // HH:MM
}

type NaturalLanguage struct {
	Pattern string     `json:"pattern"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
}

type Cron struct {
	Expr  string     `json:"expr"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Occurrence is one resolved execution instant. Past instants stay in the
// sequence so callers can count and skip them.
type Occurrence struct {
	At time.Time `json:"at"`
	// Past is strictly before now. An instant equal to now is due, so a
	// zero delay still executes.
	Past bool `json:"past"`
}

// Upcoming drops past occurrences.
func Upcoming(occurrences []Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(occurrences))
	for _, o := range occurrences {
		if !o.Past {
			out = append(out, o)
		}
	}
	return out
}

func step(start time.Time, unit Unit, n int) time.Time {
	switch unit {
	case Minute:
		return start.Add(time.Duration(n) * time.Minute)
	case Hour:
		return start.Add(time.Duration(n) * time.Hour)
	case Day:
		return start.AddDate(0, 0, n)
	case Week:
		return start.AddDate(0, 0, 7*n)
	case Month:
		return start.AddDate(0, n, 0)
	}
	return start
}
