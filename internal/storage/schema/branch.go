package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Branch holds the schema definition for the Branch entity. Branches form
// a forest rooted at ParentID == nil (§4.5).
type Branch struct {
	ent.Schema
}

// Mixin of the Branch.
func (Branch) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
		SoftDeleteMixin{},
	}
}

// Fields of the Branch.
func (Branch) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("campaign_id").NotEmpty().Immutable(),
		field.String("name").NotEmpty(),
		field.Int64("diverged_at").Optional().Nillable().Immutable(),
		field.Bool("is_pinned").Default(false),
		field.String("color").Optional(),
		field.Strings("tags").Optional(),
	}
}

// Edges of the Branch.
func (Branch) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("parent", Branch.Type).Unique(),
	}
}

// Indexes of the Branch.
func (Branch) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("campaign_id"),
	}
}

// MergeHistoryRecord holds the schema definition for a completed merge or
// cherry-pick (§4.5).
type MergeHistoryRecord struct {
	ent.Schema
}

// Mixin of the MergeHistoryRecord.
func (MergeHistoryRecord) Mixin() []ent.Mixin {
	return []ent.Mixin{
		AuditMixin{},
	}
}

// Fields of the MergeHistoryRecord.
func (MergeHistoryRecord) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").Unique().Immutable(),
		field.String("source_branch_id").NotEmpty().Immutable(),
		field.String("target_branch_id").NotEmpty().Immutable(),
		field.String("common_ancestor_id").NotEmpty().Immutable(),
		field.Int64("world_time").Immutable(),
		field.String("merged_by").NotEmpty().Immutable(),
		field.Int("conflicts_count").Default(0),
		field.Int("entities_merged").Default(0),
		field.JSON("resolutions_data", []map[string]any{}).Optional(),
		field.JSON("metadata", map[string]any{}).Optional(),
	}
}

// Indexes of the MergeHistoryRecord.
func (MergeHistoryRecord) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source_branch_id"),
		index.Fields("target_branch_id"),
	}
}
