package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:3000" || cfg.Storage.Driver != StorageSQLite {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Snapshots.Every != 25 || len(cfg.Snapshots.KeyEvents) != 1 || cfg.Snapshots.KeyEvents[0] != "COMBAT_ENDED" {
		t.Fatalf("unexpected snapshot defaults: %+v", cfg.Snapshots)
	}
	if cfg.Rules.Engine != RulesLocal || len(cfg.Rules.AIWhitelist) != 1 || cfg.Rules.AIWhitelist[0] != "ai" {
		t.Fatalf("unexpected rules defaults: %+v", cfg.Rules)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("storage:\n  driver: memory\nsnapshots:\n  every: 5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != StorageMemory || cfg.Snapshots.Every != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:3000" || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"storage":   "storage:\n  driver: postgres\n",
		"rules":     "rules:\n  engine: remote\n",
		"every":     "snapshots:\n  every: -1\n",
		"log":       "log:\n  format: xml\n",
		"base path": "server:\n  base_path: api\n",
		"webhook":   "webhooks:\n  - url: ftp://x\n    enabled: true\n",
		"key event": "snapshots:\n  key_events: [COMBAT_ENDEd]\n",
		"hook type": "webhooks:\n  - url: http://x\n    events: [TURN_START]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateAcceptsKnownEventTypes(t *testing.T) {
	doc := "snapshots:\n  key_events: [COMBAT_ENDED, TURN_STARTED]\nwebhooks:\n  - url: http://x\n    events: [\"*\", DAMAGE_APPLIED]\n"
	if _, err := FromYAML([]byte(doc)); err != nil {
		t.Fatalf("expected known event types to validate: %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skirmish.yml"), []byte("rules:\n  engine: allow-all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil || cfg.Rules.Engine != RulesAllowAll {
		t.Fatalf("expected allow-all config, got %+v %v", cfg, err)
	}
}

func TestYAMLRedactsSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "hunter2"
	out, err := cfg.YAML(true)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Fatalf("secret leaked: %s", out)
	}
	if cfg.Auth.JWTSecret != "hunter2" {
		t.Fatalf("redaction mutated the config")
	}
}

func TestWebhookWants(t *testing.T) {
	all := Webhook{URL: "http://x"}
	some := Webhook{URL: "http://x", Events: []string{"COMBAT_ENDED"}}
	if !all.Wants("TURN_STARTED") || !some.Wants("COMBAT_ENDED") || some.Wants("TURN_STARTED") {
		t.Fatalf("unexpected subscription matching")
	}
}
