// internal/schema/validator_test.go
// Package schema provides unit tests for request body validation.
package schema

import (
	"strings"
	"testing"
)

// TestValidateInitBody verifies the init schema accepts complete bodies and
// rejects structural problems.
func TestValidateInitBody(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"minimal valid", `{"filename":"a.mp4","file_size":100}`, false},
		{"full valid", `{"filename":"a.mp4","file_size":100,"total_chunks":2,"chunk_size":50,"mime_type":"video/mp4","title":"t","uploader_id":"u1"}`, false},
		{"missing filename", `{"file_size":100}`, true},
		{"missing file_size", `{"filename":"a.mp4"}`, true},
		{"empty filename", `{"filename":"","file_size":100}`, true},
		{"zero file_size", `{"filename":"a.mp4","file_size":0}`, true},
		{"file_size not integer", `{"filename":"a.mp4","file_size":"big"}`, true},
		{"zero chunk_size", `{"filename":"a.mp4","file_size":100,"chunk_size":0}`, true},
		{"not json", `{"filename":`, true},
		{"not an object", `[1,2,3]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := v.Validate(BodyInitUpload, []byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate: got nil want error")
				}
				return
			}
			if err != nil {
				t.Errorf("Validate: %v", err)
			}
			if version != "1.0.0" {
				t.Errorf("schema version: got %s want 1.0.0", version)
			}
		})
	}
}

// TestValidateCompleteBody verifies the complete schema requires upload_id.
func TestValidateCompleteBody(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if _, err := v.Validate(BodyCompleteUpload, []byte(`{"upload_id":"01ABC"}`)); err != nil {
		t.Errorf("valid complete body: %v", err)
	}
	if _, err := v.Validate(BodyCompleteUpload, []byte(`{"title":"only a title"}`)); err == nil {
		t.Errorf("complete body without upload_id: got nil want error")
	}
	if _, err := v.Validate(BodyCompleteUpload, []byte(`{"upload_id":""}`)); err == nil {
		t.Errorf("complete body with empty upload_id: got nil want error")
	}
}

// TestValidateUnsupportedKind verifies unknown body kinds are refused.
func TestValidateUnsupportedKind(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = v.Validate("upload.unknown", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported body kind") {
		t.Errorf("unsupported kind: got %v want unsupported body kind error", err)
	}
}
