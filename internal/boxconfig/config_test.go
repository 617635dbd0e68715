package boxconfig

import (
	"path/filepath"
	"testing"
)

func TestConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.GetString("strategy/underlying", "NIFTY"); got != "NIFTY" {
		t.Fatalf("expected default, got %q", got)
	}
	if got := c.GetInt("strategy/quantity", 25); got != 25 {
		t.Fatalf("expected default 25, got %d", got)
	}
}

func TestConfig_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Set("auth/access_token", "tok-123")
	c.Set("strategy/min_roi", "1.5")
	if err := c.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.GetString("auth/access_token", ""); got != "tok-123" {
		t.Fatalf("expected persisted token, got %q", got)
	}
	if got := reloaded.GetFloat("strategy/min_roi", 0); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}

func TestConfig_MalformedValueFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c, _ := Load(path)
	c.Set("strategy/quantity", "not-a-number")
	if got := c.GetInt("strategy/quantity", 10); got != 10 {
		t.Fatalf("expected default 10 for malformed value, got %d", got)
	}
}

func TestConfig_BoolDefaulting(t *testing.T) {
	c, _ := Load(filepath.Join(t.TempDir(), "missing.json"))
	if got := c.GetBool("expiry/process_in_parallel", false); got != false {
		t.Fatalf("expected default false, got %v", got)
	}
	c.Set("expiry/process_in_parallel", "true")
	if got := c.GetBool("expiry/process_in_parallel", false); got != true {
		t.Fatalf("expected true after set, got %v", got)
	}
}
