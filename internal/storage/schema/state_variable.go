package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// StateVariableRecord holds the schema definition for the state_variables
// table (C9, §3). Uniqueness of (scope, scope_id, key) is enforced only
// among rows with deleted_at IS NULL.
type StateVariableRecord struct {
	ent.Schema
}

// Mixin of the StateVariableRecord.
func (StateVariableRecord) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
		SoftDeleteMixin{},
	}
}

// Fields of the StateVariableRecord.
func (StateVariableRecord) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("scope").NotEmpty().Immutable(),
		field.String("scope_id").Optional().Nillable().Immutable(),
		field.String("key").NotEmpty().Immutable(),
		field.String("type").NotEmpty(),
		field.JSON("value", map[string]any{}).Optional(),
		field.JSON("formula", map[string]any{}).Optional(),
		field.String("description").Optional(),
		field.Bool("is_active").Default(true),
		field.Int64("version").Default(1),
		field.String("created_by").NotEmpty().Immutable(),
		field.String("updated_by").Optional().Nillable(),
	}
}

// Indexes of the StateVariableRecord.
// The partial uniqueness constraint (WHERE deleted_at IS NULL) is expressed
// in the SQL migration; ent's index DSL alone can't carry a partial
// predicate, so this index is descriptive, not authoritative.
func (StateVariableRecord) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("scope", "scope_id", "key"),
	}
}
