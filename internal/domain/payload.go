package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Scope holds the fields that decide where a request lands and who may act on
// it. They are fixed at submission.
type Scope struct {
	ServiceID  string `json:"service_id,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// VMSpec holds the mutable fields an approver may replace.
type VMSpec struct {
	TemplateID string `json:"template_id,omitempty"`
	CPU        int    `json:"cpu,omitempty"`
	MemoryMB   int    `json:"memory_mb,omitempty"`
	DiskGB     int    `json:"disk_gb,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s VMSpec) Validate() error {
	if s.CPU <= 0 {
		return ValidationError{Field: "spec.cpu", Reason: "must be positive"}
	}
	if s.MemoryMB <= 0 {
		return ValidationError{Field: "spec.memory_mb", Reason: "must be positive"}
	}
	if s.DiskGB < 0 {
		return ValidationError{Field: "spec.disk_gb", Reason: "must not be negative"}
	}
	return nil
}

// Payload is the immutable body of a DomainEvent.
type Payload struct {
	Scope Scope  `json:"scope"`
	Spec  VMSpec `json:"spec"`
	Index int    `json:"batch_index,omitempty"`
}

func (p Payload) Marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Effective pairs the submitted spec with an optional admin replacement.
type Effective struct {
	Original VMSpec
	Override *VMSpec
}

// Spec returns the override when present, otherwise the original. The two are
// never merged field by field.
func (e Effective) Spec() VMSpec {
	if e.Override != nil {
		return *e.Override
	}
	return e.Original
}

// scopeKeys may never appear in a modified spec.
var scopeKeys = map[string]struct{}{
	"scope":          {},
	"namespace":      {},
	"service_id":     {},
	"system_id":      {},
	"name":           {},
	"resource_id":    {},
	"aggregate_id":   {},
	"aggregate_type": {},
	"cluster":        {},
	"tenant_id":      {},
}

// DecodeOverride parses an admin-supplied modified_spec. Scope keys and
// unknown keys are rejected rather than dropped.
func DecodeOverride(raw json.RawMessage) (VMSpec, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return VMSpec{}, ValidationError{Field: "modified_spec", Reason: "must be a JSON object"}
	}
	var forbidden []string
	for k := range fields {
		if _, ok := scopeKeys[strings.ToLower(k)]; ok {
			forbidden = append(forbidden, k)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return VMSpec{}, ValidationError{
			Field:  "modified_spec." + forbidden[0],
			Reason: "scope fields are immutable after submission",
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var spec VMSpec
	if err := dec.Decode(&spec); err != nil {
		return VMSpec{}, ValidationError{Field: "modified_spec", Reason: err.Error()}
	}
	if err := spec.Validate(); err != nil {
		return VMSpec{}, err
	}
	return spec, nil
}
