package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Entity holds the generic schema shared by every versionable entity type
// (Kingdom, Settlement, Structure, Party, Character, Event, Encounter) and
// by Location (world-bound, never versioned — §3 invariant 7). All entity
// types share one `entities` table with this column shape; `entity_type`
// tells their rows apart and also keys table-free call sites such as the
// audit log and version store.
type Entity struct {
	ent.Schema
}

// Mixin of the Entity.
func (Entity) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
		SoftDeleteMixin{},
	}
}

// Fields of the Entity.
func (Entity) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("entity_type").NotEmpty().Immutable(),
		field.String("campaign_id").Optional(), // empty for LOCATION
		field.String("world_id").Optional(),    // set only for LOCATION
		field.String("parent_id").Optional().Nillable(),
		field.JSON("fields", map[string]any{}).Optional(),
		field.JSON("variables", map[string]any{}).Optional(),
		field.Int64("version").Default(1),
		field.Time("archived_at").Optional().Nillable(),
	}
}

// Indexes of the Entity.
func (Entity) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("entity_type", "campaign_id"),
		index.Fields("entity_type", "parent_id"),
	}
}

// VersionRecord holds the schema definition for the bitemporal version log
// (§3, §4.3). One row per mutation per (entityType, entityId, branchId).
type VersionRecord struct {
	ent.Schema
}

// Mixin of the VersionRecord.
func (VersionRecord) Mixin() []ent.Mixin {
	return []ent.Mixin{
		AuditMixin{},
	}
}

// Fields of the VersionRecord.
func (VersionRecord) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("entity_type").NotEmpty().Immutable(),
		field.String("entity_id").NotEmpty().Immutable(),
		field.String("branch_id").NotEmpty().Immutable(),
		field.Int64("version").Immutable(),
		field.Int64("valid_from").Immutable(),
		field.Int64("valid_to").Optional().Nillable(),
		field.Bytes("payload_gz").Immutable(),
		field.String("created_by").NotEmpty().Immutable(),
	}
}

// Indexes of the VersionRecord.
func (VersionRecord) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("entity_type", "entity_id", "branch_id", "version").Unique(),
		index.Fields("entity_type", "entity_id", "branch_id", "valid_from"),
	}
}
