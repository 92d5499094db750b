package syncengine

import (
	"errors"
	"testing"
)

const documentSchema = `{
	"type": "object",
	"required": ["content"],
	"properties": {
		"content": {"type": "string"},
		"title": {"type": "string"}
	}
}`

func TestValidatorAcceptsValidPayload(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.RegisterKind("document", []byte(documentSchema)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := validator.Validate("document", []byte(`{"content":"hello","title":"t"}`)); err != nil {
		t.Fatalf("expected valid payload accepted, got %v", err)
	}
}

func TestValidatorRejectsInvalidPayload(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.RegisterKind("document", []byte(documentSchema)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	err := validator.Validate("document", []byte(`{"title":"no content"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestValidatorRejectsMalformedJSON(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.RegisterKind("document", []byte(documentSchema)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := validator.Validate("document", []byte(`{"content":`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed JSON, got %v", err)
	}
}

func TestValidatorPassesUnknownKinds(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.Validate("unregistered", []byte(`anything`)); err != nil {
		t.Fatalf("expected unregistered kinds to pass, got %v", err)
	}
}

func TestValidatorRejectsBadSchema(t *testing.T) {
	validator := NewPayloadValidator()
	if err := validator.RegisterKind("document", []byte(`{`)); err == nil {
		t.Fatalf("expected a malformed schema rejected")
	}
}
