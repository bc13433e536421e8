package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ariaengine/aria/internal/store"
)

// Trigger is a parsed schedule: either a fixed interval or a cron
// expression (5 fields, or 6 with seconds).
type Trigger struct {
	Kind  string // "interval" | "cron"
	Every time.Duration
	Expr  string
}

var intervalRe = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseSchedule accepts "<N>{s|m|h}" shorthands and standard cron
// expressions. Anything else is ErrInvalidSchedule.
func ParseSchedule(s string) (*Trigger, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty schedule", store.ErrInvalidSchedule)
	}

	if m := intervalRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad interval %q", store.ErrInvalidSchedule, s)
		}
		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		}
		return &Trigger{Kind: "interval", Every: time.Duration(n) * unit}, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 6 {
		return nil, fmt.Errorf("%w: %q is neither an interval nor a 5/6-field cron", store.ErrInvalidSchedule, s)
	}
	if !gronx.New().IsValid(s) {
		return nil, fmt.Errorf("%w: bad cron expression %q", store.ErrInvalidSchedule, s)
	}
	return &Trigger{Kind: "cron", Expr: s}, nil
}

// Next computes the fire time strictly after the reference.
func (t *Trigger) Next(after time.Time) (time.Time, error) {
	switch t.Kind {
	case "interval":
		return after.Add(t.Every), nil
	case "cron":
		return gronx.NextTickAfter(t.Expr, after, false)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown trigger kind %q", store.ErrInvalidSchedule, t.Kind)
	}
}

// String renders the trigger back into its schedule form.
func (t *Trigger) String() string {
	if t.Kind == "interval" {
		switch {
		case t.Every%time.Hour == 0:
			return fmt.Sprintf("%dh", t.Every/time.Hour)
		case t.Every%time.Minute == 0:
			return fmt.Sprintf("%dm", t.Every/time.Minute)
		default:
			return fmt.Sprintf("%ds", t.Every/time.Second)
		}
	}
	return t.Expr
}
