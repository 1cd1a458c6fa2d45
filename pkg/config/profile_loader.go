package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// profileSchema rejects malformed profiles before they reach the services.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "retention"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "code": {"type": "string"},
    "retention": {
      "type": "object",
      "required": ["artifact_days", "ledger_days"],
      "properties": {
        "artifact_days": {"type": "integer", "minimum": 1},
        "ledger_days": {"type": "integer", "minimum": 1},
        "legal_hold": {"type": "boolean"},
        "purge_on_expiry": {"type": "boolean"}
      }
    },
    "sealing": {
      "type": "object",
      "properties": {
        "auto_seal_after_days": {"type": "integer", "minimum": 0},
        "require_reason": {"type": "boolean"}
      }
    },
    "pipelines": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["allowlist", "denylist", "open"]},
        "allowlist": {"type": "array", "items": {"type": "string"}},
        "denylist": {"type": "array", "items": {"type": "string"}}
      }
    },
    "limits": {
      "type": "object",
      "properties": {
        "max_chunk_bytes": {"type": "integer", "minimum": 1},
        "max_artifact_bytes": {"type": "integer", "minimum": 1},
        "max_chunks": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

var compiledProfileSchema = jsonschema.MustCompileString(
	"https://ecl.caseward.dev/schemas/profile.schema.json", profileSchema)

// validateProfile checks raw YAML against the profile schema. The document
// is round-tripped through JSON so the validator sees JSON-typed values.
func validateProfile(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	var jsonDoc any
	if err := dec.Decode(&jsonDoc); err != nil {
		return err
	}
	return compiledProfileSchema.Validate(jsonDoc)
}

// EvidenceProfile is a jurisdiction- or lab-specific evidence handling
// profile: retention, sealing policy, pipeline allowlist and ingest limits.
type EvidenceProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Sealing   SealingConfig   `yaml:"sealing" json:"sealing"`
	Pipelines PipelineConfig  `yaml:"pipelines" json:"pipelines"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
}

// RetentionConfig defines how long evidence and its custody records are kept.
type RetentionConfig struct {
	ArtifactDays  int  `yaml:"artifact_days" json:"artifact_days"`
	LedgerDays    int  `yaml:"ledger_days" json:"ledger_days"`
	LegalHold     bool `yaml:"legal_hold,omitempty" json:"legal_hold,omitempty"`
	PurgeOnExpiry bool `yaml:"purge_on_expiry,omitempty" json:"purge_on_expiry,omitempty"`
}

// SealingConfig controls when artifacts become sealed against new work.
type SealingConfig struct {
	AutoSealAfterDays int  `yaml:"auto_seal_after_days,omitempty" json:"auto_seal_after_days,omitempty"`
	RequireReason     bool `yaml:"require_reason" json:"require_reason"`
}

// PipelineConfig restricts which analysis pipelines may run.
type PipelineConfig struct {
	Mode      string   `yaml:"mode" json:"mode"` // "allowlist" | "denylist" | "open"
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist  []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// LimitsConfig bounds ingest sessions under this profile.
type LimitsConfig struct {
	MaxChunkBytes    int64 `yaml:"max_chunk_bytes,omitempty" json:"max_chunk_bytes,omitempty"`
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes,omitempty" json:"max_artifact_bytes,omitempty"`
	MaxChunks        int   `yaml:"max_chunks,omitempty" json:"max_chunks,omitempty"`
}

// LoadProfile loads an evidence profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*EvidenceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	if err := validateProfile(data); err != nil {
		return nil, fmt.Errorf("invalid profile %q: %w", code, err)
	}

	var profile EvidenceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*EvidenceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*EvidenceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		if err := validateProfile(data); err != nil {
			return nil, fmt.Errorf("invalid profile %s: %w", path, err)
		}

		var profile EvidenceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_default.yaml -> default
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// IsPipelineAllowed checks a pipeline name against the profile policy.
func (p *EvidenceProfile) IsPipelineAllowed(name string) bool {
	switch p.Pipelines.Mode {
	case "allowlist":
		for _, n := range p.Pipelines.Allowlist {
			if n == name {
				return true
			}
		}
		return false
	case "denylist":
		for _, n := range p.Pipelines.Denylist {
			if n == name {
				return false
			}
		}
		return true
	default:
		return true
	}
}
