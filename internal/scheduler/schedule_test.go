package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/ariaengine/aria/internal/store"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind string
		wantDur  time.Duration
		wantErr  bool
	}{
		{name: "seconds", in: "30s", wantKind: "interval", wantDur: 30 * time.Second},
		{name: "minutes", in: "15m", wantKind: "interval", wantDur: 15 * time.Minute},
		{name: "hours", in: "1h", wantKind: "interval", wantDur: time.Hour},
		{name: "padded", in: "  5m  ", wantKind: "interval", wantDur: 5 * time.Minute},
		{name: "five field cron", in: "*/5 * * * *", wantKind: "cron"},
		{name: "six field cron", in: "0 */5 * * * *", wantKind: "cron"},
		{name: "named weekday", in: "0 9 * * MON", wantKind: "cron"},
		{name: "empty", in: "", wantErr: true},
		{name: "zero interval", in: "0s", wantErr: true},
		{name: "bad unit", in: "10d", wantErr: true},
		{name: "too few fields", in: "* * *", wantErr: true},
		{name: "out of range minute", in: "99 * * * *", wantErr: true},
		{name: "garbage", in: "whenever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, trig)
				}
				if !errors.Is(err, store.ErrInvalidSchedule) {
					t.Fatalf("error %v does not wrap ErrInvalidSchedule", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if trig.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", trig.Kind, tt.wantKind)
			}
			if tt.wantKind == "interval" && trig.Every != tt.wantDur {
				t.Fatalf("every = %v, want %v", trig.Every, tt.wantDur)
			}
		})
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	for _, in := range []string{"45s", "10m", "2h", "*/5 * * * *", "0 9 * * 1"} {
		trig, err := ParseSchedule(in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", in, err)
		}
		again, err := ParseSchedule(trig.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", trig.String(), err)
		}
		if again.Kind != trig.Kind || again.Every != trig.Every || again.Expr != trig.Expr {
			t.Fatalf("round trip changed trigger: %+v vs %+v", trig, again)
		}
	}
}

func TestTriggerNext(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	trig, _ := ParseSchedule("10m")
	next, err := trig.Next(ref)
	if err != nil {
		t.Fatalf("interval next: %v", err)
	}
	if want := ref.Add(10 * time.Minute); !next.Equal(want) {
		t.Fatalf("interval next = %v, want %v", next, want)
	}

	trig, _ = ParseSchedule("*/5 * * * *")
	next, err = trig.Next(ref)
	if err != nil {
		t.Fatalf("cron next: %v", err)
	}
	if want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("cron next = %v, want %v", next, want)
	}
	if !next.After(ref) {
		t.Fatal("next fire is not strictly after the reference")
	}
}
