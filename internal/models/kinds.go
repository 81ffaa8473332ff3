package models

import (
	"encoding/json"
	"fmt"
)

// Entity kinds supported by the sync core. The set is closed: payloads stay
// opaque JSON, but the discriminator must match a registered kind so queue
// items and conflicts can be statically routed.
const (
	KindEquipment = "equipment"
	KindManifest  = "manifests"
	KindLocation  = "locations"
)

// KindSpec describes how the sync core handles one entity kind
type KindSpec struct {
	Name           string
	NumberPrefix   string   // prefix for human-facing sequential numbers, empty = none
	RequiredFields []string // top-level payload fields that must be present and non-null
	Priority       int      // queue priority, lower = pushed sooner
}

var kindRegistry = map[string]KindSpec{
	KindEquipment: {
		Name:           KindEquipment,
		NumberPrefix:   "EQ",
		RequiredFields: []string{"name"},
		Priority:       5,
	},
	KindManifest: {
		Name:           KindManifest,
		NumberPrefix:   "MAN",
		RequiredFields: []string{"origin", "destination"},
		Priority:       3, // manifests gate physical movement, push them first
	},
	KindLocation: {
		Name:           KindLocation,
		RequiredFields: []string{"name"},
		Priority:       5,
	},
}

// KindFor returns the spec for an entity kind
func KindFor(entityType string) (KindSpec, bool) {
	spec, ok := kindRegistry[entityType]
	return spec, ok
}

// Kinds returns the names of all registered entity kinds
func Kinds() []string {
	names := make([]string, 0, len(kindRegistry))
	for name := range kindRegistry {
		names = append(names, name)
	}
	return names
}

// ValidatePayload checks that a payload is well-formed JSON for its kind.
// Failures are permanent: the caller maps them to a validation error, never a retry.
func ValidatePayload(entityType string, payload []byte) error {
	spec, ok := kindRegistry[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload for %s is not a JSON object: %w", entityType, err)
	}

	for _, field := range spec.RequiredFields {
		raw, present := fields[field]
		if !present || string(raw) == "null" {
			return fmt.Errorf("%s payload missing required field %q", entityType, field)
		}
	}
	return nil
}
