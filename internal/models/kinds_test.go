package models

import "testing"

func TestValidatePayload(t *testing.T) {
	// Valid equipment payload
	if err := ValidatePayload(KindEquipment, []byte(`{"name":"Pump 7","site":"north"}`)); err != nil {
		t.Errorf("Expected valid payload to pass, got: %v", err)
	}

	// Missing required field
	if err := ValidatePayload(KindEquipment, []byte(`{"site":"north"}`)); err == nil {
		t.Error("Expected missing name to fail validation")
	}

	// Null required field counts as missing
	if err := ValidatePayload(KindEquipment, []byte(`{"name":null}`)); err == nil {
		t.Error("Expected null name to fail validation")
	}

	// Manifests need both endpoints
	if err := ValidatePayload(KindManifest, []byte(`{"origin":"yard-a"}`)); err == nil {
		t.Error("Expected manifest without destination to fail validation")
	}
	if err := ValidatePayload(KindManifest, []byte(`{"origin":"yard-a","destination":"site-3"}`)); err != nil {
		t.Errorf("Expected complete manifest to pass, got: %v", err)
	}

	// Unknown kind
	if err := ValidatePayload("gadgets", []byte(`{"name":"x"}`)); err == nil {
		t.Error("Expected unknown entity type to fail validation")
	}

	// Not a JSON object
	if err := ValidatePayload(KindEquipment, []byte(`[1,2,3]`)); err == nil {
		t.Error("Expected array payload to fail validation")
	}
}

func TestHumanNumberOf(t *testing.T) {
	if n := HumanNumberOf([]byte(`{"name":"x","humanNumber":"EQ-2026-0042"}`)); n != "EQ-2026-0042" {
		t.Errorf("Expected EQ-2026-0042, got %q", n)
	}
	if n := HumanNumberOf([]byte(`{"name":"x"}`)); n != "" {
		t.Errorf("Expected empty number, got %q", n)
	}
	if n := HumanNumberOf([]byte(`not json`)); n != "" {
		t.Errorf("Expected empty number for invalid JSON, got %q", n)
	}
}

func TestKindRegistry(t *testing.T) {
	spec, ok := KindFor(KindManifest)
	if !ok {
		t.Fatal("Expected manifests to be registered")
	}
	if spec.NumberPrefix != "MAN" {
		t.Errorf("Expected MAN prefix, got %q", spec.NumberPrefix)
	}

	eq, _ := KindFor(KindEquipment)
	if spec.Priority >= eq.Priority {
		t.Error("Manifests should be pushed before equipment")
	}

	if len(Kinds()) != 3 {
		t.Errorf("Expected 3 registered kinds, got %d", len(Kinds()))
	}
}
