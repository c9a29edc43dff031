package model

// Closed-tag types are string-backed so entries written by a newer version
// decode without error. IsKnown reports whether this build understands the
// value; Normalize folds unknown values into the "other" fallback for display
// only. Stored values are never rewritten.

// Operation identifies the audited action.
type Operation string

const (
	OperationCreate           Operation = "create"
	OperationUpdate           Operation = "update"
	OperationDelete           Operation = "delete"
	OperationRestore          Operation = "restore"
	OperationReorder          Operation = "reorder"
	OperationPermissionGrant  Operation = "permission_grant"
	OperationPermissionUpdate Operation = "permission_update"
	OperationPermissionRevoke Operation = "permission_revoke"
	OperationTrash            Operation = "trash"
	OperationMove             Operation = "move"
	OperationMemberAdd        Operation = "member_add"
	OperationMemberRemove     Operation = "member_remove"
	OperationMemberRoleChange Operation = "member_role_change"
	OperationLogin            Operation = "login"
	OperationLogout           Operation = "logout"
	OperationTokenCreate      Operation = "token_create"
	OperationTokenRevoke      Operation = "token_revoke"
	OperationAgentConfig      Operation = "agent_config_update"
	OperationSnapshot         Operation = "snapshot"
	OperationRollback         Operation = "rollback"
	OperationOther            Operation = "other"
)

var knownOperations = map[Operation]bool{
	OperationCreate: true, OperationUpdate: true, OperationDelete: true,
	OperationRestore: true, OperationReorder: true,
	OperationPermissionGrant: true, OperationPermissionUpdate: true, OperationPermissionRevoke: true,
	OperationTrash: true, OperationMove: true,
	OperationMemberAdd: true, OperationMemberRemove: true, OperationMemberRoleChange: true,
	OperationLogin: true, OperationLogout: true,
	OperationTokenCreate: true, OperationTokenRevoke: true,
	OperationAgentConfig: true, OperationSnapshot: true, OperationRollback: true,
	OperationOther: true,
}

func (o Operation) IsKnown() bool { return knownOperations[o] }

func (o Operation) Normalize() Operation {
	if o.IsKnown() {
		return o
	}
	return OperationOther
}

// ResourceType identifies the kind of resource an entry is about.
type ResourceType string

const (
	ResourcePage       ResourceType = "page"
	ResourceDrive      ResourceType = "drive"
	ResourcePermission ResourceType = "permission"
	ResourceAgent      ResourceType = "agent"
	ResourceUser       ResourceType = "user"
	ResourceMember     ResourceType = "member"
	ResourceRole       ResourceType = "role"
	ResourceFile       ResourceType = "file"
	ResourceToken      ResourceType = "token"
	ResourceDevice     ResourceType = "device"
	ResourceOther      ResourceType = "other"
)

var knownResourceTypes = map[ResourceType]bool{
	ResourcePage: true, ResourceDrive: true, ResourcePermission: true,
	ResourceAgent: true, ResourceUser: true, ResourceMember: true,
	ResourceRole: true, ResourceFile: true, ResourceToken: true,
	ResourceDevice: true, ResourceOther: true,
}

func (r ResourceType) IsKnown() bool { return knownResourceTypes[r] }

func (r ResourceType) Normalize() ResourceType {
	if r.IsKnown() {
		return r
	}
	return ResourceOther
}

// ChangeGroupType classifies the originator of a causal group.
type ChangeGroupType string

const (
	ChangeGroupUser       ChangeGroupType = "user"
	ChangeGroupAI         ChangeGroupType = "ai"
	ChangeGroupAutomation ChangeGroupType = "automation"
	ChangeGroupSystem     ChangeGroupType = "system"
	ChangeGroupOther      ChangeGroupType = "other"
)

var knownChangeGroupTypes = map[ChangeGroupType]bool{
	ChangeGroupUser: true, ChangeGroupAI: true, ChangeGroupAutomation: true,
	ChangeGroupSystem: true, ChangeGroupOther: true,
}

func (c ChangeGroupType) IsKnown() bool { return knownChangeGroupTypes[c] }

func (c ChangeGroupType) Normalize() ChangeGroupType {
	if c.IsKnown() {
		return c
	}
	return ChangeGroupOther
}

// ContentFormat describes how captured content is encoded.
type ContentFormat string

const (
	FormatText     ContentFormat = "text"
	FormatMarkdown ContentFormat = "markdown"
	FormatHTML     ContentFormat = "html"
	FormatJSON     ContentFormat = "json"
	FormatBinary   ContentFormat = "binary"
	FormatOther    ContentFormat = "other"
)

var knownContentFormats = map[ContentFormat]bool{
	FormatText: true, FormatMarkdown: true, FormatHTML: true,
	FormatJSON: true, FormatBinary: true, FormatOther: true,
}

func (f ContentFormat) IsKnown() bool { return knownContentFormats[f] }

func (f ContentFormat) Normalize() ContentFormat {
	if f.IsKnown() {
		return f
	}
	return FormatOther
}

// SnapshotSource records what triggered a capture.
type SnapshotSource string

const (
	SourceManual     SnapshotSource = "manual"
	SourceAuto       SnapshotSource = "auto"
	SourcePreAI      SnapshotSource = "pre_ai"
	SourcePreRestore SnapshotSource = "pre_restore"
	SourceRestore    SnapshotSource = "restore"
	SourceSystem     SnapshotSource = "system"
	SourceScheduled  SnapshotSource = "scheduled"
	SourceOther      SnapshotSource = "other"
)

var knownSnapshotSources = map[SnapshotSource]bool{
	SourceManual: true, SourceAuto: true, SourcePreAI: true,
	SourcePreRestore: true, SourceRestore: true, SourceSystem: true,
	SourceScheduled: true, SourceOther: true,
}

func (s SnapshotSource) IsKnown() bool { return knownSnapshotSources[s] }

func (s SnapshotSource) Normalize() SnapshotSource {
	if s.IsKnown() {
		return s
	}
	return SourceOther
}

// IsSafetyNet reports whether the capture guards a risky mutation and must be
// durable before that mutation proceeds.
func (s SnapshotSource) IsSafetyNet() bool {
	return s == SourcePreAI || s == SourcePreRestore
}

// SnapshotKind is the granularity of a snapshot.
type SnapshotKind string

const (
	KindPage      SnapshotKind = "page"
	KindWorkspace SnapshotKind = "workspace"
)

// Outcome records whether the audited action took effect.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)
