package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DBPath != "data/alispider.db" {
		t.Errorf("db_path default wrong: %q", cfg.DBPath)
	}
	if cfg.CrawlDelayMinMs != 2000 || cfg.CrawlDelayMaxMs != 5000 {
		t.Errorf("delay defaults wrong: %d..%d", cfg.CrawlDelayMinMs, cfg.CrawlDelayMaxMs)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("retry default wrong: %d", cfg.RetryAttempts)
	}
}

func TestLoadConfigRejectsInvertedDelayRange(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"crawl_delay_min_ms": 5000, "crawl_delay_max_ms": 1000}`))
	if err == nil {
		t.Fatal("expected error for max delay below min delay")
	}
}

func TestLoadCredentialsRequiresBoth(t *testing.T) {
	t.Setenv("ALISPIDER_LOGIN_ID", "seller")
	t.Setenv("ALISPIDER_LOGIN_PASSWORD", "")
	if _, err := LoadCredentials(); err == nil {
		t.Fatal("expected error for missing password")
	}

	t.Setenv("ALISPIDER_LOGIN_PASSWORD", "secret")
	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials returned error: %v", err)
	}
	if creds.LoginID != "seller" || creds.Password != "secret" {
		t.Errorf("credentials wrong: %+v", creds)
	}
}
