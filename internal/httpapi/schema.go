package httpapi

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// notificationSchema gates what the webhook endpoint will even attempt
// to decode. Event timestamps are validated structurally here and
// semantically by the JSON decoder (RFC 3339).
const notificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"deliveryId": {"type": "string"},
		"correlationId": {"type": "string"},
		"event": {
			"type": "object",
			"properties": {
				"externalId": {"type": "string"},
				"collectionId": {"type": "string"},
				"name": {"type": "string"},
				"description": {"type": "string"},
				"startAt": {"type": "string"},
				"endAt": {"type": "string"},
				"venueName": {"type": "string"},
				"venueAddress": {"type": "string"},
				"coverImageUrl": {"type": "string"},
				"visibility": {"type": "string"},
				"updatedAt": {"type": "string"},
				"viewCount": {"type": "number"}
			}
		}
	}
}`

var (
	notificationSchemaOnce     sync.Once
	notificationSchemaCompiled *jsonschema.Schema
	notificationSchemaErr      error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(notificationSchema)))
		if err != nil {
			notificationSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("notification.schema.json", doc); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchemaCompiled, notificationSchemaErr = compiler.Compile("notification.schema.json")
	})
	return notificationSchemaCompiled, notificationSchemaErr
}

func validateNotificationPayload(body []byte) error {
	schema, err := compiledNotificationSchema()
	if err != nil {
		return fmt.Errorf("notification schema unavailable: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("notification payload rejected: %w", err)
	}
	return nil
}
