package buggyline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload schemas for the wire events. Validation happens once, at the
// ingress boundary; everything past normalization can trust the shape.
var liveEventSchemaSources = map[string]string{
	EventNewRequest: `{
		"type": "object",
		"required": ["request_id", "location"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"location": {"type": "string", "minLength": 1},
			"guest_name": {"type": "string"},
			"room_number": {"type": ["string", "number"]},
			"requested_at": {"type": "string"}
		}
	}`,
	EventRequestTaken: `{
		"type": "object",
		"required": ["request_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1}
		}
	}`,
	EventRequestAccepted: `{
		"type": "object",
		"required": ["request_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"buggy": {"type": ["string", "object"]},
			"driver": {"type": ["string", "object"]}
		}
	}`,
	EventRequestCompleted: `{
		"type": "object",
		"required": ["request_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1}
		}
	}`,
	EventRequestCancelled: `{
		"type": "object",
		"required": ["request_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1}
		}
	}`,
	EventBuggyStatusChanged: `{
		"type": "object",
		"required": ["buggy_id", "status"],
		"properties": {
			"buggy_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"location_name": {"type": ["string", "null"]},
			"driver_name": {"type": ["string", "null"]},
			"driver_id": {"type": ["string", "null"]},
			"reason": {"type": ["string", "null"]}
		}
	}`,
	EventDriverLocationUpdated: `{
		"type": "object",
		"required": ["buggy_id", "location_id"],
		"properties": {
			"buggy_id": {"type": "string", "minLength": 1},
			"location_id": {"type": ["string", "number"]}
		}
	}`,
	EventForceLogout: `{
		"type": "object",
		"properties": {
			"message": {"type": "string"}
		}
	}`,
}

const pushMessageSchemaSource = `{
	"type": "object",
	"required": ["data"],
	"properties": {
		"notification": {
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"body": {"type": "string"},
				"icon": {"type": "string"},
				"image": {"type": "string"}
			}
		},
		"data": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"request_id": {"type": "string"},
				"priority": {"type": "string"},
				"location_name": {"type": "string"},
				"room_number": {"type": ["string", "number"]},
				"guest_name": {"type": "string"},
				"phone": {"type": "string"},
				"notes": {"type": "string"}
			}
		}
	}
}`

var (
	schemaOnce       sync.Once
	schemaErr        error
	liveEventSchemas map[string]*jsonschema.Schema
	pushSchema       *jsonschema.Schema
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema, len(liveEventSchemaSources))
	for name, source := range liveEventSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		url := "buggyline://events/" + name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushMessageSchemaSource))
	if err != nil {
		schemaErr = fmt.Errorf("push schema: %w", err)
		return
	}
	const pushURL = "buggyline://events/push_message.json"
	if err := compiler.AddResource(pushURL, doc); err != nil {
		schemaErr = fmt.Errorf("push schema: %w", err)
		return
	}
	pushSchema, err = compiler.Compile(pushURL)
	if err != nil {
		schemaErr = fmt.Errorf("push schema: %w", err)
		return
	}
	liveEventSchemas = compiled
}

// ValidateLiveEventPayload checks a live-channel payload against the
// schema for its event name. Unknown event names pass through; the
// reconciler ignores what it does not understand rather than crashing.
func ValidateLiveEventPayload(eventName string, payload map[string]any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	schema, ok := liveEventSchemas[eventName]
	if !ok {
		return nil
	}
	if err := schema.Validate(normalizeForSchema(payload)); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, eventName, err)
	}
	return nil
}

func ValidatePushMessagePayload(payload map[string]any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	if err := pushSchema.Validate(normalizeForSchema(payload)); err != nil {
		return fmt.Errorf("%w: push payload: %v", ErrInvalidInput, err)
	}
	return nil
}

// normalizeForSchema rebuilds the value tree with plain map/slice/scalar
// types so validation does not depend on how the payload was decoded.
func normalizeForSchema(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = normalizeForSchema(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = normalizeForSchema(value)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	default:
		return v
	}
}
