// Package domain holds the value types shared across every campaign-state
// subsystem: entity/scope enumerations, the generic versionable record
// shape, and the audit/merge vocabularies. It has no dependency on storage
// or transport so every other internal package can import it freely.
package domain

import "time"

// EntityType enumerates the versionable domain entities. LOCATION is the
// sole entity type that is world-bound rather than campaign-bound, and is
// never versioned (§4.4 edge case (c)).
type EntityType string

const (
	EntityKingdom   EntityType = "KINGDOM"
	EntitySettlement EntityType = "SETTLEMENT"
	EntityStructure EntityType = "STRUCTURE"
	EntityParty     EntityType = "PARTY"
	EntityCharacter EntityType = "CHARACTER"
	EntityLocation  EntityType = "LOCATION"
	EntityEvent     EntityType = "EVENT"
	EntityEncounter EntityType = "ENCOUNTER"

	// EntityStateVariable tags version records created for a StateVariable's
	// optional per-branch history (§4.9). StateVariables are not generic
	// Entity rows, but they share C3's version log keyed by entityType.
	EntityStateVariable EntityType = "STATE_VARIABLE"
)

// Scope enumerates where a StateVariable is attached. It is a superset of
// EntityType (adds WORLD and CAMPAIGN, which are never generic entities).
type Scope string

const (
	ScopeWorld      Scope = "WORLD"
	ScopeCampaign   Scope = "CAMPAIGN"
	ScopeParty      Scope = "PARTY"
	ScopeKingdom    Scope = "KINGDOM"
	ScopeSettlement Scope = "SETTLEMENT"
	ScopeStructure  Scope = "STRUCTURE"
	ScopeCharacter  Scope = "CHARACTER"
	ScopeLocation   Scope = "LOCATION"
	ScopeEvent      Scope = "EVENT"
	ScopeEncounter  Scope = "ENCOUNTER"
)

// VariableType enumerates the stored value kind of a StateVariable.
type VariableType string

const (
	VarString  VariableType = "STRING"
	VarInteger VariableType = "INTEGER"
	VarFloat   VariableType = "FLOAT"
	VarBoolean VariableType = "BOOLEAN"
	VarJSON    VariableType = "JSON"
	VarDerived VariableType = "DERIVED"
)

// Role enumerates a user's membership role within a campaign.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleGM     Role = "GM"
	RolePlayer Role = "PLAYER"
	RoleViewer Role = "VIEWER"
)

// AuditOperation enumerates the kinds of mutation recorded in the audit log.
type AuditOperation string

const (
	OpCreate     AuditOperation = "CREATE"
	OpUpdate     AuditOperation = "UPDATE"
	OpDelete     AuditOperation = "DELETE"
	OpArchive    AuditOperation = "ARCHIVE"
	OpRestore    AuditOperation = "RESTORE"
	OpFork       AuditOperation = "FORK"
	OpMerge      AuditOperation = "MERGE"
	OpCherryPick AuditOperation = "CHERRY_PICK"
)

// ConflictKind enumerates the classification of a three-way merge conflict.
type ConflictKind string

const (
	ConflictBothModified    ConflictKind = "BOTH_MODIFIED"
	ConflictBothDeleted     ConflictKind = "BOTH_DELETED"
	ConflictModifiedDeleted ConflictKind = "MODIFIED_DELETED"
	ConflictDeletedModified ConflictKind = "DELETED_MODIFIED"
)

// BranchState enumerates the lifecycle state of a Branch (§4.5).
type BranchState string

const (
	BranchRoot   BranchState = "ROOT"
	BranchActive BranchState = "ACTIVE"
	BranchDeleted BranchState = "DELETED"
)

// Campaign is the root tenant. Every versionable entity ultimately resolves
// to exactly one Campaign, except LOCATION which resolves to a World.
type Campaign struct {
	ID               string
	WorldID          string
	OwnerID          string
	CurrentWorldTime *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
	ArchivedAt       *time.Time
}

// Branch forms a forest of divergence points rooted at ParentID == nil.
type Branch struct {
	ID         string
	CampaignID string
	ParentID   *string
	DivergedAt *int64
	IsPinned   bool
	Color      *string
	Tags       []string
	Name       string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// State returns the branch's lifecycle state.
func (b *Branch) State() BranchState {
	if b.DeletedAt != nil {
		return BranchDeleted
	}
	if b.ParentID == nil {
		return BranchRoot
	}
	return BranchActive
}

// Entity is the generic persisted shape for Kingdom, Settlement, Structure,
// Party, Character, Location, Event, and Encounter rows. Domain-specific
// fields live in Fields as a JSON-shaped map; Variables holds ad hoc
// per-entity state not promoted to a first-class StateVariable.
type Entity struct {
	ID         string
	Type       EntityType
	CampaignID string // empty for LOCATION, which is world-bound
	WorldID    string // set only for LOCATION
	ParentID   *string
	Fields     map[string]any
	Variables  map[string]any
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
	ArchivedAt *time.Time
}

// VersionRecord is one entry in the bitemporal version log for an
// (entityType, entityId, branchId) triple (§3 invariant 3).
type VersionRecord struct {
	ID         string
	EntityType EntityType
	EntityID   string
	BranchID   string
	Version    int64
	ValidFrom  int64
	ValidTo    *int64
	Payload    []byte // gzip-compressed, deterministic JSON (C1)
	CreatedBy  string
	CreatedAt  time.Time
}

// Open reports whether this record is the currently-open tail.
func (v *VersionRecord) Open() bool { return v.ValidTo == nil }

// Contains reports whether worldTime falls within [ValidFrom, ValidTo).
func (v *VersionRecord) Contains(worldTime int64) bool {
	if worldTime < v.ValidFrom {
		return false
	}
	return v.ValidTo == nil || worldTime < *v.ValidTo
}

// AuditEntry is an append-only log row (C2).
type AuditEntry struct {
	ID            string
	EntityType    EntityType
	EntityID      string
	Operation     AuditOperation
	UserID        string
	Changes       map[string]any
	Metadata      map[string]any
	PreviousState map[string]any
	NewState      map[string]any
	Diff          *Diff
	Reason        string
	Timestamp     time.Time
}

// MergeHistory records the outcome of a completed merge or cherry-pick
// (§4.5, supplemented with an idempotent re-merge guard in SPEC_FULL).
type MergeHistory struct {
	ID               string
	SourceBranchID   string
	TargetBranchID   string
	CommonAncestorID string
	WorldTime        int64
	MergedBy         string
	MergedAt         time.Time
	ConflictsCount   int
	EntitiesMerged   int
	ResolutionsData  []Resolution
	Metadata         map[string]any
}

// Resolution is a user-supplied final value for a conflicting merge path,
// keyed by (entityId, entityType, path) per §4.5a step 4.
type Resolution struct {
	EntityID   string
	EntityType EntityType
	Path       string
	Value      any
}

// StateVariable is a named, typed value attached to a Scope (§3).
type StateVariable struct {
	ID          string
	Scope       Scope
	ScopeID     *string // nil only for WORLD
	Key         string
	Type        VariableType
	Value       any // nil iff Type == VarDerived
	Formula     map[string]any // required iff Type == VarDerived
	Description string
	IsActive    bool
	Version     int64
	CreatedBy   string
	UpdatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// DependencyNode identifies a variable or computed-field node in the
// dependency graph (C8).
type DependencyNode struct {
	Scope   Scope
	ScopeID string
	Key     string
}

// Diff is the structural comparison produced by C1's diff() and consumed
// by the three-way merge's leaf-path walk (§4.5a).
type Diff struct {
	Added    map[string]any                  `json:"added"`
	Modified map[string]ModifiedField        `json:"modified"`
	Removed  map[string]any                  `json:"removed"`
}

// ModifiedField captures the before/after value of a changed field.
type ModifiedField struct {
	Old any `json:"old"`
	New any `json:"new"`
}
