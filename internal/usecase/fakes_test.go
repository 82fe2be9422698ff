package usecase

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lumagallery/luma/internal/domain"
)

// In-memory port fakes shared by the service tests.

type fakeJobRepo struct {
	mu          sync.Mutex
	nextID      int64
	jobs        map[int64]*domain.Job
	transitions []string
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[int64]*domain.Job)}
}

func (r *fakeJobRepo) Create(_ domain.Context, j domain.Job) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	j.ID = r.nextID
	j.CreatedAt = time.Now().UTC()
	r.jobs[j.ID] = &j
	return j.ID, nil
}

func (r *fakeJobRepo) Get(_ domain.Context, id int64) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *fakeJobRepo) Transition(_ domain.Context, id int64, from, to domain.JobState, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != from || !from.CanTransition(to) {
		return domain.ErrConflict
	}
	j.State = to
	j.StateVersion++
	if errMsg != nil {
		j.Error = *errMsg
	}
	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (r *fakeJobRepo) SetExternalPromptID(_ domain.Context, id int64, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.ExternalPromptID = promptID
	}
	return nil
}

func (r *fakeJobRepo) SetContentID(_ domain.Context, id int64, contentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.ContentID = &contentID
	}
	return nil
}

func (r *fakeJobRepo) IncrementRetries(_ domain.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	j.Retries++
	return j.Retries, nil
}

func (r *fakeJobRepo) SweepStuck(domain.Context, time.Duration) (int64, error) { return 0, nil }

// seed inserts a job directly, bypassing Create's defaults.
func (r *fakeJobRepo) seed(j domain.Job) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	j.ID = r.nextID
	r.jobs[j.ID] = &j
	return j.ID
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []domain.GenerateTaskPayload
	err      error
}

func (q *fakeQueue) EnqueueGenerate(_ domain.Context, p domain.GenerateTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, p)
	return nil
}

// fakeHub records published events and implements the cancel flag. When
// cancelAfterChecks is positive, CancelRequested flips to true on that call.
type fakeHub struct {
	mu                sync.Mutex
	events            []domain.ProgressEvent
	cancelFlags       map[int64]bool
	checks            int
	cancelAfterChecks int
}

func newFakeHub() *fakeHub {
	return &fakeHub{cancelFlags: make(map[int64]bool)}
}

func (h *fakeHub) Publish(_ domain.Context, ev domain.ProgressEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHub) Subscribe(domain.Context, int64) (<-chan domain.ProgressEvent, func(), error) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}

func (h *fakeHub) RequestCancel(_ domain.Context, jobID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelFlags[jobID] = true
	return nil
}

func (h *fakeHub) CancelRequested(_ domain.Context, jobID int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if h.cancelAfterChecks > 0 && h.checks >= h.cancelAfterChecks {
		return true, nil
	}
	return h.cancelFlags[jobID], nil
}

func (h *fakeHub) states() []domain.JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.JobState, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.State
	}
	return out
}

// fakeBackend is a scripted BackendClient. submitErrs are consumed first,
// one per Submit call; statuses are consumed one per Status call with the
// last entry repeating.
type fakeBackend struct {
	mu         sync.Mutex
	kind       domain.BackendKind
	outputDir  string
	submitErrs []error
	submits    int
	statuses   []domain.BackendStatus
	statusIdx  int
	outputs    []domain.OutputRef
	outputsErr error
	cancelled  bool
}

func (b *fakeBackend) Submit(domain.Context, domain.Workflow) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return "", err
	}
	return fmt.Sprintf("ext-%d", b.submits), nil
}

func (b *fakeBackend) Status(domain.Context, string) (domain.BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.statuses) == 0 {
		return domain.BackendStatus{Kind: domain.BackendRunning}, nil
	}
	st := b.statuses[b.statusIdx]
	if b.statusIdx < len(b.statuses)-1 {
		b.statusIdx++
	}
	return st, nil
}

func (b *fakeBackend) Cancel(domain.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
	return nil
}

func (b *fakeBackend) FetchOutputs(domain.Context, string) ([]domain.OutputRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outputsErr != nil {
		return nil, b.outputsErr
	}
	return b.outputs, nil
}

func (b *fakeBackend) OutputDir() string { return b.outputDir }

func (b *fakeBackend) Kind() domain.BackendKind {
	if b.kind == "" {
		return domain.BackendMock
	}
	return b.kind
}

type fakeResolver struct {
	client domain.BackendClient
	err    error
}

func (r fakeResolver) ForKind(domain.BackendKind) (domain.BackendClient, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.client, nil
}

type fakeContentRepo struct {
	mu        sync.Mutex
	nextID    int64
	inserted  []domain.ContentRow
	insertErr error
	pages     []domain.ContentRow
	lastQuery domain.GalleryQuery
	listErr   error
}

func (r *fakeContentRepo) Insert(_ domain.Context, row domain.ContentRow) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	r.nextID++
	row.ID = r.nextID
	r.inserted = append(r.inserted, row)
	return row.ID, nil
}

func (r *fakeContentRepo) Get(domain.Context, int64, domain.Source) (domain.ContentRow, error) {
	return domain.ContentRow{}, domain.ErrNotFound
}

func (r *fakeContentRepo) ListPage(_ domain.Context, q domain.GalleryQuery) ([]domain.ContentRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQuery = q
	if r.listErr != nil {
		return nil, r.listErr
	}
	if len(r.pages) > q.Limit {
		return r.pages[:q.Limit], nil
	}
	return r.pages, nil
}

func (r *fakeContentRepo) CountBySource(domain.Context, *int64, domain.Source) (int64, error) {
	return int64(len(r.inserted)), nil
}

type fakeTagRepo struct {
	mu        sync.Mutex
	known     map[string]string // normalized name -> id
	ensured   [][]string
	linked    map[int64][]string
	lookupErr error
	linkErr   error
}

func newFakeTagRepo() *fakeTagRepo {
	return &fakeTagRepo{known: make(map[string]string), linked: make(map[int64][]string)}
}

func (r *fakeTagRepo) EnsureTags(_ domain.Context, names []string) ([]domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, names)
	out := make([]domain.Tag, 0, len(names))
	for _, n := range names {
		n = domain.NormalizeTagName(n)
		id, ok := r.known[n]
		if !ok {
			id = "id-" + n
			r.known[n] = id
		}
		out = append(out, domain.Tag{ID: id, Name: n})
	}
	return out, nil
}

func (r *fakeTagRepo) LookupTags(_ domain.Context, names []string) ([]domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	var out []domain.Tag
	for _, n := range names {
		n = domain.NormalizeTagName(n)
		if id, ok := r.known[n]; ok {
			out = append(out, domain.Tag{ID: id, Name: n})
		}
	}
	return out, nil
}

func (r *fakeTagRepo) AddEdge(domain.Context, string, string) error { return nil }

func (r *fakeTagRepo) LinkContent(_ domain.Context, contentID int64, _ domain.Source, tagIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.linkErr != nil {
		return r.linkErr
	}
	r.linked[contentID] = tagIDs
	return nil
}

// fakeFileStore returns "{store}/{base(src)}" for copies and the source path
// unchanged otherwise. failFor makes Ingest fail for one source path.
type fakeFileStore struct {
	mu      sync.Mutex
	ingests []string
	failFor string
	sniffed string
}

func (f *fakeFileStore) Ingest(_ domain.Context, src string, _ int64, _ time.Time, copy bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && src == f.failFor {
		return "", fmt.Errorf("stat %s: %w", src, domain.ErrOutputMissing)
	}
	f.ingests = append(f.ingests, src)
	if copy {
		return filepath.Join("/store", filepath.Base(src)), nil
	}
	return src, nil
}

func (f *fakeFileStore) Sniff(domain.Context, string) (string, error) {
	if f.sniffed == "" {
		return "image/png", nil
	}
	return f.sniffed, nil
}

type fakeStatsRepo struct {
	mu         sync.Mutex
	tagRows    int64
	genRows    int64
	tagCalls   int
	genCalls   int
	block      chan struct{} // when set, RefreshTagCardinalities waits on it
	unified    domain.GenSourceStats
	unifiedErr error
}

func (r *fakeStatsRepo) Cardinalities(domain.Context, []string, []domain.Source) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (r *fakeStatsRepo) RefreshTagCardinalities(domain.Context) (int64, error) {
	r.mu.Lock()
	r.tagCalls++
	block := r.block
	rows := r.tagRows
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return rows, nil
}

func (r *fakeStatsRepo) RefreshGenSourceStats(domain.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.genCalls++
	return r.genRows, nil
}

func (r *fakeStatsRepo) UnifiedStats(domain.Context, *int64) (domain.GenSourceStats, error) {
	if r.unifiedErr != nil {
		return domain.GenSourceStats{}, r.unifiedErr
	}
	return r.unified, nil
}
