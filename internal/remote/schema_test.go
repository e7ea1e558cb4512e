package remote_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func chapterValidator(t *testing.T) *remote.SchemaValidator {
	t.Helper()
	v, err := remote.NewSchemaValidator(map[string]json.RawMessage{
		"chapters": json.RawMessage(`{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"word_count": {"type": "integer", "minimum": 0}
			}
		}`),
	})
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	return v
}

func TestValidatePasses(t *testing.T) {
	v := chapterValidator(t)
	if err := v.Validate("chapters", json.RawMessage(`{"title":"One","word_count":1200}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestValidateRejectsWithFieldDetail(t *testing.T) {
	v := chapterValidator(t)
	err := v.Validate("chapters", json.RawMessage(`{"word_count":-3}`))
	if err == nil {
		t.Fatal("invalid payload accepted")
	}
	if cat, ok := syncerr.CategoryOf(err); !ok || cat != syncerr.CategoryValidation {
		t.Fatalf("category = %v, want validation", cat)
	}
	msg := err.Error()
	if !strings.Contains(msg, "title") || !strings.Contains(msg, "word_count") {
		t.Fatalf("error should name both violated fields: %q", msg)
	}
}

func TestValidateUnregisteredTablePasses(t *testing.T) {
	v := chapterValidator(t)
	if err := v.Validate("notes", json.RawMessage(`{"anything":[1,2,3]}`)); err != nil {
		t.Fatalf("unregistered table rejected: %v", err)
	}
}

func TestValidateNilReceiverPasses(t *testing.T) {
	var v *remote.SchemaValidator
	if err := v.Validate("chapters", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("nil validator rejected payload: %v", err)
	}
}

func TestNewSchemaValidatorRejectsBadSchema(t *testing.T) {
	_, err := remote.NewSchemaValidator(map[string]json.RawMessage{
		"chapters": json.RawMessage(`{"type": 42}`),
	})
	if err == nil {
		t.Fatal("malformed schema should fail compilation")
	}
}
