package moderation_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"telegram-moderator/internal/domain/moderation"
)

func TestReportsDailySummary(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	rep := moderation.NewReputation(filepath.Join(t.TempDir(), "rep.json"), 7*24*time.Hour, 50, clock)
	rep.UpdateActivity(1)
	rep.AddStrike(1, "spam", "reklama", "buy crypto")
	rep.AddStrike(1, "spam", "reklama again", "buy more crypto")
	rep.AddStrike(1, "flood", "too many", "aaaa")
	rep.UpdateActivity(2)
	rep.AddStrike(2, "", "rude", "...")

	r := moderation.NewReports(rep, clock)
	r.RecordPrefilter()
	r.RecordVerdict(moderation.ActionOK)
	r.RecordVerdict(moderation.ActionDelete)
	r.RecordVerdict(moderation.ActionDelete)
	r.RecordVerdict(moderation.ActionBan)

	got := r.BuildDaily()
	for _, fragment := range []string{
		"Daily moderation report",
		"Verdicts: 5 total",
		"pre-filter: 1",
		"ok: 1, warn: 0, delete: 2, mute: 0, ban: 1",
		"1 — 3 strike(s) (flood: 1, spam: 2)",
		"2 — 1 strike(s) (unspecified: 1)",
	} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("report does not contain %q:\n%s", fragment, got)
		}
	}
}

func TestReportsResetBetweenPeriods(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }
	rep := moderation.NewReputation(filepath.Join(t.TempDir(), "rep.json"), 7*24*time.Hour, 50, clock)

	r := moderation.NewReports(rep, clock)
	r.RecordVerdict(moderation.ActionWarn)
	_ = r.BuildDaily()

	got := r.BuildDaily()
	if !strings.Contains(got, "Verdicts: 0 total") {
		t.Fatalf("counters not reset:\n%s", got)
	}
	if !strings.Contains(got, "No flagged users.") {
		t.Fatalf("expected empty flagged list:\n%s", got)
	}
}
