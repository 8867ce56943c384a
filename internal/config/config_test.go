package config

import (
	"strings"
	"testing"
	"time"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Env != DefaultEnv {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionTimeout != 30*time.Minute || cfg.MaxSessionsPerUser != 3 {
		t.Errorf("session defaults wrong: %+v", cfg)
	}
	if cfg.KeyRotationInterval != 24*time.Hour || cfg.KeyVersions != 3 || !cfg.AutoRotate {
		t.Errorf("rotation defaults wrong: %+v", cfg)
	}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Error("env helpers wrong for development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("SESSION_TIMEOUT", "15m")
	t.Setenv("AUTO_ROTATE", "false")
	t.Setenv("MAX_SESSIONS_PER_USER", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionTimeout != 15*time.Minute {
		t.Errorf("SessionTimeout = %v", cfg.SessionTimeout)
	}
	if cfg.AutoRotate {
		t.Error("AUTO_ROTATE=false not applied")
	}
	if cfg.MaxSessionsPerUser != 5 {
		t.Errorf("MaxSessionsPerUser = %d", cfg.MaxSessionsPerUser)
	}
}

func TestValidateEncryptionKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
		want string
	}{
		{"missing", "", "required"},
		{"short", "abcd", "64 hex"},
		{"not hex", strings.Repeat("zz", 32), "valid hex"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("ENCRYPTION_KEY", c.key)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("got %v, want mention of %q", err, c.want)
			}
		})
	}
}
