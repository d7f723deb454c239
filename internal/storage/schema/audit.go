package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AuditEntryRecord holds the schema definition for the append-only audit
// log (C2, §4.2). Hard-delete is never performed.
type AuditEntryRecord struct {
	ent.Schema
}

// Mixin of the AuditEntryRecord.
func (AuditEntryRecord) Mixin() []ent.Mixin {
	return []ent.Mixin{
		AuditMixin{},
	}
}

// Fields of the AuditEntryRecord.
func (AuditEntryRecord) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("entity_type").NotEmpty().Immutable(),
		field.String("entity_id").NotEmpty().Immutable(),
		field.String("operation").NotEmpty().Immutable(),
		field.String("user_id").NotEmpty().Immutable(),
		field.JSON("changes", map[string]any{}).Optional(),
		field.JSON("metadata", map[string]any{}).Optional(),
		field.JSON("previous_state", map[string]any{}).Optional(),
		field.JSON("new_state", map[string]any{}).Optional(),
		field.JSON("diff", map[string]any{}).Optional(),
		field.String("reason").Optional(),
	}
}

// Indexes of the AuditEntryRecord.
func (AuditEntryRecord) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("entity_type", "entity_id"),
		index.Fields("user_id"),
	}
}
