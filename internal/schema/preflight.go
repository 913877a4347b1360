package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// PreflightValidator runs a schema through a standards-compliant JSON
// Schema validator before it is compiled to IR, catching malformed
// schemas (bad regex, unknown keywords misused, inconsistent bounds)
// with a real implementation's diagnostics rather than the IR
// compiler's comparatively terse errors. Compile invokes it on every
// object-form schema; the type is exported for callers that want to
// validate earlier (at a transport boundary, before a recipe is
// registered) or to check documents with conformant error messages.
type PreflightValidator struct {
	compiler *jsonschema.Compiler
}

// NewPreflightValidator constructs a validator with default draft
// inference (the santhosh-tekuri compiler auto-detects $schema).
func NewPreflightValidator() *PreflightValidator {
	return &PreflightValidator{compiler: jsonschema.NewCompiler()}
}

// ValidateSchema compiles schemaJSON with the standards-compliant
// compiler purely to surface structural errors; it does not affect IR
// compilation, which proceeds independently against the decoded schema
// value.
func (v *PreflightValidator) ValidateSchema(resourceName string, schemaJSON []byte) error {
	if err := v.compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("preflight: invalid schema %q: %w", resourceName, err)
	}
	if _, err := v.compiler.Compile(resourceName); err != nil {
		return fmt.Errorf("preflight: schema %q failed compilation: %w", resourceName, err)
	}
	return nil
}

// ValidateDocument checks a document against a schema using the
// standards-compliant validator, for callers that want conformant
// error messages (e.g. surfaced to a user) distinct from the IR
// evaluator's provenance-producing three-valued verdict.
func (v *PreflightValidator) ValidateDocument(resourceName string, doc any) error {
	schema, err := v.compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("preflight: compile %q: %w", resourceName, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("preflight: marshal document: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("preflight: decode document: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}
