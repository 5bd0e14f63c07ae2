// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Payload is a structured JSON-like document attached to a version or
// conflict snapshot. Keys map to JSON object fields.
type Payload = map[string]any

// Metadata is free-form auxiliary data attached to a version.
type Metadata = map[string]any

// Operation classifies the mutation a version records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Version is one immutable, checksummed snapshot of an entity mutation.
type Version struct {
	ID         uuid.UUID
	EntityType string
	EntityID   string
	Version    int64 // monotonic, starts at 1, no gaps per entity
	Operation  Operation
	Payload    Payload
	Checksum   string // content hash of Payload, key-order independent
	ActorID    uuid.UUID
	Metadata   Metadata
	CreatedAt  time.Time
}

// QueueStatus is the lifecycle state of a queued operation.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is one deferred remote operation awaiting execution.
type QueueItem struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID
	RequestID    uuid.UUID // idempotency key, referenced by dependents
	Verb         string
	Target       string
	Headers      map[string]string
	Body         []byte
	Priority     int // 0-100, higher is more urgent
	RetryCount   int
	MaxRetries   int
	Status       QueueStatus
	LastError    string
	ScheduledAt  time.Time   // earliest eligible execution time
	Dependencies []uuid.UUID // request ids that must be completed first
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueStats reports per-status counts for an owner's queue.
type QueueStats struct {
	Pending       int
	Processing    int
	Completed     int
	Failed        int
	OldestPending time.Time // zero when nothing is pending
}

// ConflictKind classifies the diverged operation.
type ConflictKind string

const (
	ConflictCreate ConflictKind = "create"
	ConflictUpdate ConflictKind = "update"
	ConflictDelete ConflictKind = "delete"
)

// StrategyKind names a conflict resolution strategy.
type StrategyKind string

const (
	StrategyLocalWins  StrategyKind = "local_wins"
	StrategyServerWins StrategyKind = "server_wins"
	StrategyMerge      StrategyKind = "merge"
	StrategyManual     StrategyKind = "manual"
)

// FieldSide selects which side a prioritized field is taken from in a merge.
type FieldSide string

const (
	SideLocal  FieldSide = "local"
	SideServer FieldSide = "server"
)

// Strategy is a tagged resolution strategy. FieldPriorities applies to
// StrategyMerge only; ManualPayload to StrategyManual only.
type Strategy struct {
	Kind            StrategyKind
	FieldPriorities map[string]FieldSide
	ManualPayload   Payload
}

// Conflict records one version divergence for an entity. At most one
// unresolved conflict exists per (owner, entityType, entityId).
type Conflict struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	EntityType    string
	EntityID      string
	LocalVersion  int64
	ServerVersion int64
	LocalPayload  Payload
	ServerPayload Payload
	Kind          ConflictKind
	Strategy      StrategyKind // empty while pending
	Resolved      bool
	ResolvedAt    time.Time
	ResolvedBy    uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutoResolveRules drives a batch auto-resolution sweep.
type AutoResolveRules struct {
	DefaultStrategy StrategyKind
	FieldPriorities map[string]FieldSide // merge only
}

// DiffKind classifies one entry of a structural payload diff.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// DiffEntry is one field-level difference between two payloads.
type DiffEntry struct {
	Kind  DiffKind
	Field string // dotted path, e.g. "profile.name" or "tags[2]"
	From  any    // nil for added
	To    any    // nil for removed
}

// IntegrityReport is the result of validating an entity's version chain.
type IntegrityReport struct {
	IsValid           bool
	CorruptedVersions []int64
}

// DeviceStatus is the last reported state of one (owner, device) pair.
type DeviceStatus struct {
	OwnerID            uuid.UUID
	DeviceID           string
	IsOnline           bool
	LastSeen           time.Time
	ConnectionType     string
	NetworkQuality     string
	SyncEnabled        bool
	LastSyncAttempt    time.Time
	LastSuccessfulSync time.Time
	PendingSyncItems   int
	Platform           string
	AppVersion         string
}

// JobType names an on-demand sync job.
type JobType string

const (
	JobFullSync           JobType = "full_sync"
	JobIncrementalSync    JobType = "incremental_sync"
	JobConflictResolution JobType = "conflict_resolution"
	JobQueueProcessing    JobType = "queue_processing"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// SyncJob tracks one on-demand sync run. Progress is monotonic 0-100.
type SyncJob struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Type       JobType
	Status     JobStatus
	Progress   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
