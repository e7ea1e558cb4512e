package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// SchemaValidator validates operation payloads against per-table JSON
// Schemas before they are persisted to the queue. A payload that fails
// validation locally would fail remotely on every attempt, so it is
// rejected at enqueue as a non-retryable validation error.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator compiles the given table→schema documents.
func NewSchemaValidator(docs map[string]json.RawMessage) (*SchemaValidator, error) {
	schemas := make(map[string]*gojsonschema.Schema, len(docs))
	for table, doc := range docs {
		if strings.TrimSpace(string(doc)) == "" {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("compile schema for table %s: %w", table, err)
		}
		schemas[table] = schema
	}
	return &SchemaValidator{schemas: schemas}, nil
}

// Validate checks payload against the table's schema. Tables without a
// registered schema pass unchecked.
func (v *SchemaValidator) Validate(table string, payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[table]
	if !ok {
		return nil
	}

	doc := strings.TrimSpace(string(payload))
	if doc == "" {
		doc = "null"
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return syncerr.Wrap(syncerr.CategoryValidation, fmt.Errorf("validate %s payload: %w", table, err))
	}
	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", item.Field(), item.Description()))
	}
	return syncerr.New(syncerr.CategoryValidation,
		fmt.Sprintf("%s payload invalid: %s", table, strings.Join(msgs, "; ")))
}
