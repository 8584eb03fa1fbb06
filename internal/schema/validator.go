// internal/schema/validator.go
// Package schema provides JSON schema validation for upload API request
// bodies. Bodies are validated before any business logic runs so handlers
// only ever see structurally sound input.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Body kinds validated by this package.
const (
	BodyInitUpload     = "upload.init"     // POST /upload/init request body
	BodyCompleteUpload = "upload.complete" // POST /upload/complete request body
)

// SupportedBodies lists all request body kinds that have a schema.
var SupportedBodies = map[string]bool{
	BodyInitUpload:     true,
	BodyCompleteUpload: true,
}

// SchemaVersions maps body kinds to their current schema versions.
// Request schemas version with the binary; there is no remote registry.
var SchemaVersions = map[string]string{
	BodyInitUpload:     "1.0.0",
	BodyCompleteUpload: "1.0.0",
}

// Validator validates request bodies against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of body kinds to compiled schemas
}

// NewValidator creates a new schema validator.
// It compiles all supported request body schemas.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during initialization
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}

	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	return v, nil
}

// loadSchemas compiles the JSON schemas for all supported body kinds.
// Bounds that depend on runtime configuration (maximum upload size, chunk
// size band) are enforced by the session manager, not here.
func (v *Validator) loadSchemas() error {
	// Init body: filename and file_size are mandatory, the rest are hints
	initSchema := `{"type":"object","required":["filename","file_size"],"properties":{"filename":{"type":"string","minLength":1,"maxLength":255},"file_size":{"type":"integer","minimum":1},"total_chunks":{"type":"integer","minimum":1},"chunk_size":{"type":"integer","minimum":1},"mime_type":{"type":"string","maxLength":255},"title":{"type":"string","maxLength":256},"uploader_id":{"type":"string","maxLength":128}}}`
	if err := v.loadSchema(BodyInitUpload, initSchema); err != nil {
		return fmt.Errorf("failed to load init schema: %w", err)
	}

	// Complete body: only the session reference is required
	completeSchema := `{"type":"object","required":["upload_id"],"properties":{"upload_id":{"type":"string","minLength":1,"maxLength":64},"title":{"type":"string","maxLength":256}}}`
	if err := v.loadSchema(BodyCompleteUpload, completeSchema); err != nil {
		return fmt.Errorf("failed to load complete schema: %w", err)
	}

	return nil
}

// loadSchema compiles a single schema for a body kind.
// Parameters:
//   - kind: The body kind (e.g., "upload.init")
//   - schemaJSON: The JSON schema as a string
// Returns:
//   - error: Any error that occurred during schema loading
func (v *Validator) loadSchema(kind, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}

	v.schemas[kind] = schema
	return nil
}

// Validate validates a raw request body against the schema for its kind.
// Parameters:
//   - kind: The body kind (e.g., "upload.init")
//   - body: The raw JSON request body
// Returns:
//   - string: The schema version used for validation
//   - error: nil if valid, error with details if invalid
func (v *Validator) Validate(kind string, body []byte) (string, error) {
	if !SupportedBodies[kind] {
		return "", fmt.Errorf("unsupported body kind: %s", kind)
	}

	schema, exists := v.schemas[kind]
	if !exists {
		return "", fmt.Errorf("schema not found for body kind: %s", kind)
	}

	// Reject non-object payloads up front for a cleaner error
	if !json.Valid(body) {
		return "", fmt.Errorf("body is not valid JSON")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "", fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	schemaVersion, exists := SchemaVersions[kind]
	if !exists {
		schemaVersion = "1.0.0"
	}

	return schemaVersion, nil
}
