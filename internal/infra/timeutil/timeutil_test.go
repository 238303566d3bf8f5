package timeutil_test

import (
	"testing"
	"time"

	"telegram-moderator/internal/infra/timeutil"
)

func TestDayStartUTC(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "middleOfDay",
			in:   time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC),
			want: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactMidnight",
			in:   time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "nonUTCZoneNormalized",
			in:   time.Date(2025, 3, 14, 1, 30, 0, 0, time.FixedZone("UTC+03:00", 3*3600)),
			want: time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := timeutil.DayStartUTC(tc.in); !got.Equal(tc.want) {
				t.Fatalf("DayStartUTC(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestUntilNextMidnightUTC(t *testing.T) {
	t.Parallel()

	in := time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC)
	if got := timeutil.UntilNextMidnightUTC(in); got != time.Hour {
		t.Fatalf("UntilNextMidnightUTC(%v) = %v, want 1h", in, got)
	}
}

func TestFormatUTC(t *testing.T) {
	t.Parallel()

	if got := timeutil.FormatUTC(time.Time{}); got != "—" {
		t.Fatalf("FormatUTC(zero) = %q, want dash", got)
	}
	in := time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC)
	if got := timeutil.FormatUTC(in); got != "2025-03-14 15:09 UTC" {
		t.Fatalf("FormatUTC() = %q", got)
	}
}
