package domain

import "time"

// Repositories (ports)

// JobRepository persists jobs. Transition implements the per-job optimistic
// CAS: the update only applies when the current state matches from, so
// concurrent workers serialize without global locks.
type JobRepository interface {
	Create(ctx Context, j Job) (int64, error)
	Get(ctx Context, id int64) (Job, error)
	Transition(ctx Context, id int64, from, to JobState, errMsg *string) error
	SetExternalPromptID(ctx Context, id int64, promptID string) error
	SetContentID(ctx Context, id int64, contentID int64) error
	IncrementRetries(ctx Context, id int64) (int, error)
	SweepStuck(ctx Context, olderThan time.Duration) (int64, error)
}

// ContentRepository reads and writes the partitioned content store.
type ContentRepository interface {
	Insert(ctx Context, row ContentRow) (int64, error)
	Get(ctx Context, id int64, source Source) (ContentRow, error)
	ListPage(ctx Context, q GalleryQuery) ([]ContentRow, error)
	CountBySource(ctx Context, userID *int64, source Source) (int64, error)
}

// TagRepository manages tags, the DAG of tag edges, and the content junction.
type TagRepository interface {
	EnsureTags(ctx Context, names []string) ([]Tag, error)
	LookupTags(ctx Context, names []string) ([]Tag, error)
	AddEdge(ctx Context, parentID, childID string) error
	LinkContent(ctx Context, contentID int64, source Source, tagIDs []string) error
}

// StatsRepository serves planner cardinalities and the unified count set.
type StatsRepository interface {
	Cardinalities(ctx Context, tagIDs []string, sources []Source) (map[string]int64, error)
	RefreshTagCardinalities(ctx Context) (int64, error)
	RefreshGenSourceStats(ctx Context) (int64, error)
	UnifiedStats(ctx Context, userID *int64) (GenSourceStats, error)
}

// GalleryQuery is a resolved gallery page request. Tags are deduplicated tag
// ids; Sources is never empty by the time it reaches the repository.
type GalleryQuery struct {
	TagIDs  []string
	Sources []Source
	UserID  *int64
	After   *PageKey
	Limit   int
}

// PageKey is the decoded keyset position: rows strictly before
// (CreatedAt, ID) in (created_at DESC, id DESC) order are returned.
type PageKey struct {
	CreatedAt time.Time
	ID        int64
}

// Queue (port)

type Queue interface {
	EnqueueGenerate(ctx Context, payload GenerateTaskPayload) error
}

// ProgressHub fans progress events out to subscribers: events are ordered
// per job, the channel closes on a terminal event, and late subscribers get
// the cached terminal event then EOF.
type ProgressHub interface {
	Publish(ctx Context, ev ProgressEvent) error
	Subscribe(ctx Context, jobID int64) (<-chan ProgressEvent, func(), error)
	RequestCancel(ctx Context, jobID int64) error
	CancelRequested(ctx Context, jobID int64) (bool, error)
}

// Backend client (port)

// BackendStatusKind is the engine-side lifecycle of a submitted workflow.
type BackendStatusKind string

const (
	BackendQueued       BackendStatusKind = "queued"
	BackendRunning      BackendStatusKind = "running"
	BackendCompleted    BackendStatusKind = "completed"
	BackendFailedStatus BackendStatusKind = "failed"
)

// BackendStatus is a poll result; Percent and QueuePosition are optional.
type BackendStatus struct {
	Kind          BackendStatusKind
	Percent       *float64
	QueuePosition *int
	Reason        string
	Retryable     bool
}

// OutputRef describes one produced file relative to the backend's output
// directory. Filename may contain ".." segments and must be normalized
// before filesystem access.
type OutputRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Workflow is the backend submission payload derived from a job.
type Workflow struct {
	Prompt          string
	NegativePrompt  string
	CheckpointModel string
	Loras           []LoraRef
	Width           int
	Height          int
	BatchSize       int
	Sampler         SamplerParams
	ClientID        string
}

// BackendClient is the capability set every generation engine implements.
// Implementations report; they never mutate job state.
type BackendClient interface {
	Submit(ctx Context, wf Workflow) (string, error)
	Status(ctx Context, externalID string) (BackendStatus, error)
	Cancel(ctx Context, externalID string) error
	FetchOutputs(ctx Context, externalID string) ([]OutputRef, error)
	OutputDir() string
	Kind() BackendKind
}

// FileStore materializes backend outputs into the content store's directory
// layout.
type FileStore interface {
	// Ingest places src under the user/date layout when copy is true, or
	// returns the normalized path in place when copy is false.
	Ingest(ctx Context, src string, userID int64, at time.Time, copy bool) (string, error)
	// Sniff returns the detected MIME type of the file at path.
	Sniff(ctx Context, path string) (string, error)
}
