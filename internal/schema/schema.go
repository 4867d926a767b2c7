// Package schema validates Intake's free-form submission metadata against
// an optional per-tenant JSON Schema, grounded on the teacher's
// registry/service.go validatePayloadJSONAgainstSchema helper.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles and caches one JSON Schema per tenant.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns a Validator with no tenant schemas registered.
// Register must be called before Validate has anything to check.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with tenant. An empty
// schemaJSON clears any existing schema for the tenant.
func (v *Validator) Register(tenant string, schemaJSON []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(schemaJSON) == 0 {
		delete(v.schemas, tenant)
		return nil
	}

	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for tenant %q: %w", tenant, err)
	}

	c := jsonschema.NewCompiler()
	resourceID := "tenant://" + tenant
	if err := c.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("add schema resource for tenant %q: %w", tenant, err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile schema for tenant %q: %w", tenant, err)
	}

	v.schemas[tenant] = compiled
	return nil
}

// Validate checks metadata against tenant's registered schema. With no
// schema registered for tenant, Validate is a no-op success, per spec.md's
// framing of schema validation as optional.
func (v *Validator) Validate(tenant string, metadata map[string]any) error {
	v.mu.RLock()
	s, ok := v.schemas[tenant]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	// jsonschema validates against unmarshaled any values; round-trip
	// through JSON so map[string]any built from Go call sites gets the
	// same representation a decoded request body would have.
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}

	return s.Validate(doc)
}
