package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfile_Default(t *testing.T) {
	p, err := LoadProfile("profiles", "default")
	if err != nil {
		t.Fatalf("LoadProfile(default): %v", err)
	}
	if p.Name != "Default Lab" {
		t.Errorf("expected name 'Default Lab', got %q", p.Name)
	}
	if !p.Sealing.RequireReason {
		t.Error("default profile should require a seal reason")
	}
	if !p.IsPipelineAllowed("triage") {
		t.Error("open mode should allow any pipeline")
	}
}

func TestLoadProfile_Strict(t *testing.T) {
	p, err := LoadProfile("profiles", "strict")
	if err != nil {
		t.Fatalf("LoadProfile(strict): %v", err)
	}
	if !p.Retention.LegalHold {
		t.Error("strict profile should carry a legal hold")
	}
	if p.Sealing.AutoSealAfterDays != 30 {
		t.Errorf("expected auto seal after 30 days, got %d", p.Sealing.AutoSealAfterDays)
	}
	if !p.IsPipelineAllowed("triage") {
		t.Error("triage is allowlisted")
	}
	if p.IsPipelineAllowed("deep-carve") {
		t.Error("deep-carve is not allowlisted")
	}
}

func TestLoadProfile_Fieldkit(t *testing.T) {
	p, err := LoadProfile("profiles", "fieldkit")
	if err != nil {
		t.Fatalf("LoadProfile(fieldkit): %v", err)
	}
	if !p.Retention.PurgeOnExpiry {
		t.Error("fieldkit should purge on expiry")
	}
	if p.IsPipelineAllowed("deep-carve") {
		t.Error("deep-carve is denylisted")
	}
	if !p.IsPipelineAllowed("triage") {
		t.Error("denylist mode should allow anything not listed")
	}
}

func TestLoadProfile_SchemaRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	bad := "name: Broken\nretention:\n  artifact_days: 0\n  ledger_days: 10\n"
	if err := os.WriteFile(filepath.Join(dir, "profile_bad.yaml"), []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(dir, "bad"); err == nil {
		t.Error("expected schema violation for artifact_days: 0")
	}

	noName := "retention:\n  artifact_days: 30\n  ledger_days: 30\n"
	if err := os.WriteFile(filepath.Join(dir, "profile_noname.yaml"), []byte(noName), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(dir, "noname"); err == nil {
		t.Error("expected schema violation for missing name")
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile("profiles", "nope"); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	profiles, err := LoadAllProfiles("profiles")
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) < 3 {
		t.Errorf("expected at least 3 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
		if p.Code != code {
			t.Errorf("profile keyed %s carries code %s", code, p.Code)
		}
	}
}
