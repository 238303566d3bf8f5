package moderation_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"telegram-moderator/internal/domain/moderation"
)

func TestReputationTiers(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	rep := moderation.NewReputation(filepath.Join(t.TempDir(), "reputation.json"), 7*24*time.Hour, 50, clock)

	if got := rep.Tier(1); got != moderation.TierNewcomer {
		t.Fatalf("unknown user tier = %q, want newcomer", got)
	}

	rep.UpdateActivity(1)
	if got := rep.Tier(1); got != moderation.TierNewcomer {
		t.Fatalf("fresh user tier = %q, want newcomer", got)
	}

	// Сутки спустя — regular, даже при большом числе сообщений.
	now = base.Add(25 * time.Hour)
	for i := 0; i < 60; i++ {
		rep.UpdateActivity(1)
	}
	if got := rep.Tier(1); got != moderation.TierRegular {
		t.Fatalf("day-old user tier = %q, want regular", got)
	}

	// Возраст без сообщений — всё ещё regular: trusted требует оба порога.
	rep.UpdateActivity(2)
	now = base.Add(8 * 24 * time.Hour)
	if got := rep.Tier(2); got != moderation.TierRegular {
		t.Fatalf("old quiet user tier = %q, want regular", got)
	}

	// Оба порога выполнены.
	if got := rep.Tier(1); got != moderation.TierTrusted {
		t.Fatalf("old active user tier = %q, want trusted", got)
	}
	if !rep.IsTrusted(1) {
		t.Fatal("IsTrusted(1) = false, want true")
	}
}

func TestReputationStrikeExcerpt(t *testing.T) {
	t.Parallel()

	clock := func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }
	rep := moderation.NewReputation(filepath.Join(t.TempDir(), "reputation.json"), 7*24*time.Hour, 50, clock)

	long := strings.Repeat("ы", 250)
	rep.AddStrike(42, "spam", "реклама", long)

	stats, ok := rep.Stats(42)
	if !ok {
		t.Fatal("stats for struck user not found")
	}
	if len(stats.Strikes) != 1 {
		t.Fatalf("strikes = %d, want 1", len(stats.Strikes))
	}
	s := stats.Strikes[0]
	if s.Rule != "spam" || s.Reason != "реклама" {
		t.Fatalf("strike = %+v", s)
	}
	if got := len([]rune(s.Excerpt)); got != 100 {
		t.Fatalf("excerpt length = %d runes, want 100", got)
	}
}

func TestReputationPersistence(t *testing.T) {
	t.Parallel()

	clock := func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }
	path := filepath.Join(t.TempDir(), "reputation.json")

	rep := moderation.NewReputation(path, 7*24*time.Hour, 50, clock)
	rep.UpdateActivity(7)
	rep.UpdateActivity(7)
	rep.AddStrike(7, "ads", "links", "buy now")

	// Запись сквозная: отдельного Save не требуется.
	reloaded := moderation.NewReputation(path, 7*24*time.Hour, 50, clock)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	stats, ok := reloaded.Stats(7)
	if !ok {
		t.Fatal("user 7 missing after reload")
	}
	if stats.MessageCount != 2 || len(stats.Strikes) != 1 {
		t.Fatalf("reloaded stats = %+v", stats)
	}
	if stats.Strikes[0].Excerpt != "buy now" {
		t.Fatalf("reloaded excerpt = %q", stats.Strikes[0].Excerpt)
	}
}

func TestReputationCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	path := filepath.Join(t.TempDir(), "reputation.json")
	if err := os.WriteFile(path, []byte("[not an object"), 0o600); err != nil {
		t.Fatal(err)
	}

	rep := moderation.NewReputation(path, 7*24*time.Hour, 50, clock)
	if err := rep.Load(); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
	if _, ok := rep.Stats(1); ok {
		t.Fatal("failed load must leave reputation empty")
	}

	// Компонент работоспособен: активность пишется и вытесняет битый файл.
	rep.UpdateActivity(1)
	reloaded := moderation.NewReputation(path, 7*24*time.Hour, 50, clock)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load after rewrite: %v", err)
	}
	stats, ok := reloaded.Stats(1)
	if !ok || stats.MessageCount != 1 {
		t.Fatalf("reloaded stats = %+v, ok = %v", stats, ok)
	}
}
