package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "civicfix" || cfg.Service.BasePath != "/v0" {
		t.Fatalf("unexpected defaults: %+v", cfg.Service)
	}
	if cfg.Admin.ActorID != "admin" {
		t.Fatalf("expected default admin actor, got %q", cfg.Admin.ActorID)
	}
	if len(cfg.Taxonomy) != 6 {
		t.Fatalf("expected default taxonomy, got %d categories", len(cfg.Taxonomy))
	}
}

func TestFromYAMLOverridesAndInherits(t *testing.T) {
	cfg, err := FromYAML([]byte("service:\n  name: fixit\nauth:\n  allow_legacy_actor_header: true\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Service.Name != "fixit" {
		t.Fatalf("override lost: %q", cfg.Service.Name)
	}
	if cfg.Service.BasePath != "/v0" {
		t.Fatalf("default base path lost: %q", cfg.Service.BasePath)
	}
	if !cfg.Auth.AllowLegacyActorHeader {
		t.Fatalf("legacy header flag lost")
	}
}

func TestValidateRejectsEmptyTaxonomyCategory(t *testing.T) {
	_, err := FromYAML([]byte("taxonomy:\n  Plumbing: []\n"))
	if err == nil || !strings.Contains(err.Error(), "Plumbing") {
		t.Fatalf("expected taxonomy validation error, got %v", err)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "civicfix.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Taxonomy["Plumbing"]) != 4 {
		t.Fatalf("taxonomy lost in round trip: %v", cfg.Taxonomy["Plumbing"])
	}
}
