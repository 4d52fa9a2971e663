package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// EntityKind is the closed set of business objects an audit entry may point at.
type EntityKind string

const (
	EntityProperty      EntityKind = "property"
	EntityChecklist     EntityKind = "checklist"
	EntityChecklistItem EntityKind = "checklist_item"
	EntityAlert         EntityKind = "alert"
	EntityCamera        EntityKind = "camera"
	EntityWorkOrder     EntityKind = "work_order"
	EntityInspection    EntityKind = "inspection"
	EntityViolation     EntityKind = "violation"
	EntityUser          EntityKind = "user"
	EntityReport        EntityKind = "report"
)

var entityKinds = map[EntityKind]bool{
	EntityProperty:      true,
	EntityChecklist:     true,
	EntityChecklistItem: true,
	EntityAlert:         true,
	EntityCamera:        true,
	EntityWorkOrder:     true,
	EntityInspection:    true,
	EntityViolation:     true,
	EntityUser:          true,
	EntityReport:        true,
}

const maxEntityIDLen = 64

// Valid reports whether k belongs to the known kinds.
func (k EntityKind) Valid() bool {
	return entityKinds[k]
}

// EntityRef is a polymorphic pointer at a business object. There is no
// database foreign key behind it; the kind tag says which service owns the id.
type EntityRef struct {
	Kind EntityKind `json:"type"`
	ID   string     `json:"id"`
}

// ParseEntityRef validates a (kind, id) pair from an untrusted source.
func ParseEntityRef(kind, id string) (*EntityRef, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(kind)))
	if !k.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
	if id == "" || len(id) > maxEntityIDLen {
		return nil, fmt.Errorf("entity id for %s must be 1-%d characters", k, maxEntityIDLen)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("entity id for %s must not contain whitespace", k)
	}
	return &EntityRef{Kind: k, ID: id}, nil
}

// Ref builds an EntityRef for code that already holds a typed kind. It panics
// on an unknown kind, which is a programming error.
func Ref(kind EntityKind, id string) *EntityRef {
	if !kind.Valid() {
		panic(fmt.Sprintf("models.Ref: unknown entity kind %q", kind))
	}
	return &EntityRef{Kind: kind, ID: id}
}

// String renders "kind:id".
func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// UnmarshalJSON validates the pair on decode so handlers reject unknown kinds.
func (r *EntityRef) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ref, err := ParseEntityRef(raw.Kind, raw.ID)
	if err != nil {
		return err
	}
	*r = *ref
	return nil
}
