package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MODERATOR_TELEGRAM__API_ID", "1111111")
	t.Setenv("MODERATOR_TELEGRAM__API_HASH", "abcdef0123456789")
	t.Setenv("MODERATOR_TELEGRAM__PHONE", "+10000000000")
	t.Setenv("MODERATOR_LLM__PROVIDER", "local")
	t.Setenv("MODERATOR_MODERATION__RULES_FILE", filepath.Join(t.TempDir(), "absent.json"))
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Moderation.UserCooldownSec != 60 {
		t.Errorf("UserCooldownSec = %d, want 60", cfg.Moderation.UserCooldownSec)
	}
	if cfg.Moderation.BatchMaxTokens != 3000 {
		t.Errorf("BatchMaxTokens = %d, want 3000", cfg.Moderation.BatchMaxTokens)
	}
	if cfg.Quota.DailyLimit != 1000 {
		t.Errorf("DailyLimit = %d, want 1000", cfg.Quota.DailyLimit)
	}
	if cfg.LLM.Temperature != 0.1 {
		t.Errorf("Temperature = %g, want 0.1", cfg.LLM.Temperature)
	}
}

func TestLoadConfigOutOfRangeFallsBack(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MODERATOR_MODERATION__USER_COOLDOWN_SECONDS", "999999")
	t.Setenv("MODERATOR_LLM__TEMPERATURE", "5.5")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Moderation.UserCooldownSec != 60 {
		t.Errorf("UserCooldownSec = %d, want default 60", cfg.Moderation.UserCooldownSec)
	}
	if cfg.LLM.Temperature != 0.1 {
		t.Errorf("Temperature = %g, want default 0.1", cfg.LLM.Temperature)
	}
	if len(cfg.Warnings()) == 0 {
		t.Error("expected warnings for out-of-range values")
	}
}

func TestLoadConfigPlaceholderFails(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MODERATOR_TELEGRAM__PHONE", "+380XXXXXXXXX")

	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected placeholder phone to fail load")
	}
}

func TestLoadConfigCloudRequiresKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MODERATOR_LLM__PROVIDER", "cloud")
	t.Setenv("MODERATOR_LLM__API_KEY", "")

	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected missing cloud api key to fail load")
	}
}

func TestSplitLists(t *testing.T) {
	t.Parallel()

	got := splitCSV(" @group_one, , -1001234 ,group two ")
	want := []string{"@group_one", "-1001234", "group two"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV() = %#v, want %#v", got, want)
	}

	var warnings []string
	ids := splitIDs("100,bogus,-200", &warnings)
	if !reflect.DeepEqual(ids, []int64{100, -200}) {
		t.Fatalf("splitIDs() = %#v", ids)
	}
	if len(warnings) != 1 {
		t.Fatalf("want 1 warning, got %d", len(warnings))
	}
}

func TestLoadRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	payload := `{"hard_ban_keywords":["spamword"],"hard_ban_regex":["(?i)free\\s+money"]}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	want := Rules{
		HardBanKeywords: []string{"spamword"},
		HardBanRegex:    []string{`(?i)free\s+money`},
	}
	if !reflect.DeepEqual(rules, want) {
		t.Fatalf("LoadRules() = %#v, want %#v", rules, want)
	}

	// Отсутствующий файл — пустые правила без ошибки.
	empty, err := LoadRules(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("LoadRules absent: %v", err)
	}
	if len(empty.HardBanKeywords) != 0 || len(empty.HardBanRegex) != 0 {
		t.Fatalf("expected empty rules, got %#v", empty)
	}
}
