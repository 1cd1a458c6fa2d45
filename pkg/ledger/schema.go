package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/caseward/ecl/pkg/errs"
)

// Per-kind payload schemas. Appends validate against the schema of the
// event kind; extra fields are allowed, required fields are not negotiable.
var payloadSchemas = map[Kind]string{
	KindAcquired: `{
		"type": "object",
		"required": ["canonical_hash", "byte_length", "source_descriptor"],
		"properties": {
			"canonical_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"byte_length": {"type": "integer", "minimum": 0},
			"source_descriptor": {"type": "string", "minLength": 1}
		}
	}`,
	KindTransferred: `{
		"type": "object",
		"required": ["from_actor", "to_actor", "reason"],
		"properties": {
			"from_actor": {"type": "string", "minLength": 1},
			"to_actor": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	KindAnalyzed: `{
		"type": "object",
		"required": ["pipeline_name", "step_name", "params_digest", "result_ref"],
		"properties": {
			"pipeline_name": {"type": "string", "minLength": 1},
			"step_name": {"type": "string", "minLength": 1},
			"params_digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"result_ref": {"type": "string"}
		}
	}`,
	KindAnnotated: `{
		"type": "object",
		"required": ["note"],
		"properties": {"note": {"type": "string"}}
	}`,
	KindExported: `{
		"type": "object",
		"required": ["recipient", "export_hash"],
		"properties": {
			"recipient": {"type": "string", "minLength": 1},
			"export_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`,
	KindSealVerified: `{
		"type": "object",
		"required": ["verifier", "verified_at", "chain_ok"],
		"properties": {
			"verifier": {"type": "string", "minLength": 1},
			"verified_at": {"type": "string"},
			"chain_ok": {"type": "boolean"}
		}
	}`,
	KindClosed: `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string"}}
	}`,
}

var (
	schemaOnce     sync.Once
	compiledSchema map[Kind]*jsonschema.Schema
	schemaErr      error
)

func compileSchemas() {
	compiledSchema = make(map[Kind]*jsonschema.Schema, len(payloadSchemas))
	for kind, raw := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://ecl.schemas.local/ledger/%s.schema.json", strings.ToLower(string(kind)))
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("ledger schema load failed for %s: %w", kind, err)
			return
		}
		compiled, err := c.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("ledger schema compile failed for %s: %w", kind, err)
			return
		}
		compiledSchema[kind] = compiled
	}
}

// ValidatePayload checks that payload satisfies the schema for kind.
func ValidatePayload(kind Kind, payload map[string]any) error {
	if !ValidKind(kind) {
		return errs.New(errs.KindInvalidArgument, errs.CodeInvalidKind, "unknown event kind %q", kind)
	}
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	// jsonschema validates decoded JSON values; normalize via the generic type.
	generic := make(map[string]any, len(payload))
	for k, v := range payload {
		generic[k] = normalizeJSON(v)
	}
	if err := compiledSchema[kind].Validate(generic); err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, errs.CodeInvalidArgument,
			"payload does not satisfy %s schema", kind)
	}
	return nil
}

// normalizeJSON converts Go numeric types to the float64/int shapes the
// validator expects from decoded JSON.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalizeJSON(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalizeJSON(e)
		}
		return s
	default:
		return v
	}
}
