package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/caseflow/evidencegate/internal/engine"
)

// notificationSchemaText is the wire contract for evidence-ready
// notifications. Deliveries must carry the stable evidence identifier and the
// owning case, plus either inline content or a precomputed content hash.
const notificationSchemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://caseflow.dev/schemas/evidence-notification.json",
	"type": "object",
	"properties": {
		"evidenceId": {"type": "string", "minLength": 1},
		"caseId": {"type": "string", "minLength": 1},
		"contentHash": {"type": "string", "minLength": 1},
		"sourceLocation": {"type": "string"},
		"content": {"type": "string"},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"correlationId": {"type": "string"}
	},
	"required": ["evidenceId", "caseId"],
	"anyOf": [
		{"required": ["content"]},
		{"required": ["contentHash"]}
	],
	"additionalProperties": false
}`

// NotificationValidator checks raw notification payloads against the wire
// schema before they reach the pipeline.
type NotificationValidator struct {
	schema *jsonschema.Schema
}

func NewNotificationValidator() (*NotificationValidator, error) {
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(notificationSchemaText)))
	if err != nil {
		return nil, fmt.Errorf("parse notification schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("evidence-notification.json", document); err != nil {
		return nil, fmt.Errorf("register notification schema: %w", err)
	}
	schema, err := compiler.Compile("evidence-notification.json")
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	return &NotificationValidator{schema: schema}, nil
}

// Validate returns ErrInvalidInput-wrapped errors for malformed JSON and for
// schema violations, so callers can treat both as a rejected delivery.
func (v *NotificationValidator) Validate(raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed notification: %v", engine.ErrInvalidInput, err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	return nil
}

// DecodeNotification validates and decodes one raw delivery.
func (v *NotificationValidator) DecodeNotification(raw []byte) (engine.Notification, error) {
	if err := v.Validate(raw); err != nil {
		return engine.Notification{}, err
	}
	var notification engine.Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return engine.Notification{}, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	return notification, nil
}
