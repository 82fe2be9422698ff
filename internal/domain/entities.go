// Package domain holds the core entities and ports of the generation
// platform. It stays free of adapter dependencies; adapters and usecases
// implement and consume the interfaces declared here.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels). HTTP mapping lives in the httpserver adapter.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrBadCursor          = errors.New("bad cursor")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendRejected    = errors.New("backend rejected")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrOutputMissing      = errors.New("output missing")
	ErrInternal           = errors.New("internal error")
)

// Source identifies a content partition. Items is user-generated output,
// Auto is the ingestion-only auto-generated partition.
type Source string

const (
	SourceItems Source = "items"
	SourceAuto  Source = "auto"
)

// ValidSource reports whether s names a known partition.
func ValidSource(s Source) bool { return s == SourceItems || s == SourceAuto }

// BackendKind selects which generation engine a job runs against.
type BackendKind string

const (
	BackendPrimary BackendKind = "primary"
	BackendMock    BackendKind = "mock"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobRetrying  JobState = "retrying"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition encodes the job lifecycle:
// pending -> running -> (completed|failed|cancelled), with
// running <-> retrying on transient backend failures and
// pending -> cancelled for jobs cancelled before pickup.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobPending:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobRetrying || to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobRetrying:
		return to == JobRunning || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// LoraRef is an ordered (name, strength) entry applied on top of the
// checkpoint model.
type LoraRef struct {
	Name     string  `json:"name" yaml:"name"`
	Strength float64 `json:"strength" yaml:"strength"`
}

// SamplerParams carries the diffusion sampling knobs for a job.
type SamplerParams struct {
	Steps     int     `json:"steps" yaml:"steps"`
	CFG       float64 `json:"cfg" yaml:"cfg"`
	Seed      int64   `json:"seed" yaml:"seed"`
	Sampler   string  `json:"sampler" yaml:"sampler"`
	Scheduler string  `json:"scheduler" yaml:"scheduler"`
}

// Job is one unit of generation work.
// Invariants: Prompt is write-once; ExternalPromptID is empty until the
// backend accepted the workflow; ContentID is set only in completed state.
type Job struct {
	ID               int64
	UserID           int64
	Prompt           string
	NegativePrompt   string
	CheckpointModel  string
	Loras            []LoraRef
	Width            int
	Height           int
	BatchSize        int
	Sampler          SamplerParams
	Backend          BackendKind
	State            JobState
	StateVersion     int64
	Retries          int
	Error            string
	ExternalPromptID string
	ContentID        *int64
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// ContentRow is a produced asset stored in one of the list partitions.
// (ID, Source) is the global key; Prompt and Title are immutable post-insert.
type ContentRow struct {
	ID           int64
	Source       Source
	Title        string
	ContentType  string
	FilePath     string
	AltPaths     map[string]string
	Prompt       string
	CreatorID    int64
	QualityScore float64
	Private      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ItemMetadata map[string]any
}

// NormalizeTagName lower-cases and trims a tag name; names are unique under
// this normalization.
func NormalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Tag is a label with a stable uuid and a unique lower-cased name.
type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TagCardinality is a refreshed (tag, source) -> distinct content count used
// by the query planner and gallery UIs.
type TagCardinality struct {
	TagID     string
	Source    Source
	Count     int64
	UpdatedAt time.Time
}

// GenSourceStats is the unified per-user/community count set. The community
// totals are the rows with a NULL user in the stats table.
type GenSourceStats struct {
	UserRegular      int64 `json:"user_regular_count"`
	UserAuto         int64 `json:"user_auto_count"`
	CommunityRegular int64 `json:"community_regular_count"`
	CommunityAuto    int64 `json:"community_auto_count"`
}

// ProgressEvent is one entry on a job's ordered progress channel.
// Seq is monotonically non-decreasing within one job.
type ProgressEvent struct {
	JobID         int64     `json:"job_id"`
	Seq           int64     `json:"seq"`
	State         JobState  `json:"state"`
	Percent       *float64  `json:"percent,omitempty"`
	QueuePosition *int      `json:"queue_position,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// GenerateTaskPayload is the queue message handed from the API to a worker.
type GenerateTaskPayload struct {
	JobID int64 `json:"job_id"`
}

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context
