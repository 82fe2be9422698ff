package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Gen      *usecase.GenerateService
	Gallery  *usecase.GalleryService
	Stats    *usecase.StatsService
	Progress domain.ProgressHub

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, gen *usecase.GenerateService, gallery *usecase.GalleryService, stats *usecase.StatsService, progress domain.ProgressHub) *Server {
	return &Server{Cfg: cfg, Gen: gen, Gallery: gallery, Stats: stats, Progress: progress}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitJobRequest struct {
	Prompt          string                `json:"prompt" validate:"required"`
	NegativePrompt  string                `json:"negative_prompt"`
	CheckpointModel string                `json:"checkpoint_model"`
	LoraModels      []domain.LoraRef      `json:"lora_models" validate:"max=10,dive"`
	Width           int                   `json:"width"`
	Height          int                   `json:"height"`
	BatchSize       int                   `json:"batch_size" validate:"min=0,max=8"`
	SamplerParams   *domain.SamplerParams `json:"sampler_params"`
	Backend         string                `json:"backend" validate:"omitempty,oneof=primary mock"`
}

type jobResponse struct {
	JobID            int64      `json:"job_id"`
	State            string     `json:"state"`
	Backend          string     `json:"backend,omitempty"`
	Retries          int        `json:"retries"`
	Error            string     `json:"error,omitempty"`
	ExternalPromptID string     `json:"external_prompt_id,omitempty"`
	ContentID        *int64     `json:"content_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		JobID:            j.ID,
		State:            string(j.State),
		Backend:          string(j.Backend),
		Retries:          j.Retries,
		Error:            j.Error,
		ExternalPromptID: j.ExternalPromptID,
		ContentID:        j.ContentID,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

// SubmitJobHandler accepts a generation job and returns its id in pending.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		spec := usecase.JobSpec{
			UserID:          userIDFromHeader(r),
			Prompt:          req.Prompt,
			NegativePrompt:  req.NegativePrompt,
			CheckpointModel: req.CheckpointModel,
			Loras:           req.LoraModels,
			Width:           req.Width,
			Height:          req.Height,
			BatchSize:       req.BatchSize,
			Backend:         domain.BackendKind(req.Backend),
		}
		if spec.Backend == "" {
			spec.Backend = domain.BackendPrimary
		}
		if spec.Width == 0 {
			spec.Width = 512
		}
		if spec.Height == 0 {
			spec.Height = 512
		}
		if req.SamplerParams != nil {
			spec.Sampler = *req.SamplerParams
		}

		id, err := s.Gen.Submit(r.Context(), spec)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job_id": id, "state": string(domain.JobPending)})
	}
}

// GetJobHandler returns the job state record.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Gen.GetStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// CancelJobHandler requests cancellation; repeated calls are no-ops that
// report the current state.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		state, err := s.Gen.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": string(state)})
	}
}

// ProgressHandler streams the job's progress events as server-sent events
// and terminates when the job reaches a terminal state.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("op=http.progress: streaming unsupported: %w", domain.ErrInternal), nil)
			return
		}

		events, cancel, err := s.Progress.Subscribe(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

// ContentHandler serves a gallery page.
func (s *Server) ContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		req := usecase.GalleryRequest{
			Tags:   q["tags"],
			Cursor: q.Get("cursor"),
			Limit:  s.Gallery.DefaultPageSize,
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			req.Limit = n
		}
		if raw := q.Get("sources"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				s = strings.TrimSpace(s)
				if s != "" {
					req.Sources = append(req.Sources, domain.Source(s))
				}
			}
		}
		if raw := q.Get("user_id"); raw != "" {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: user_id must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			req.UserID = &uid
		}

		page, err := s.Gallery.ListPage(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":       toContentItems(page.Items),
			"next_cursor": page.NextCursor,
			"has_next":    page.HasNext,
		})
	}
}

type contentItem struct {
	ID           int64             `json:"id"`
	Source       string            `json:"source"`
	Title        string            `json:"title"`
	ContentType  string            `json:"content_type"`
	FilePath     string            `json:"file_path"`
	AltPaths     map[string]string `json:"alt_paths,omitempty"`
	Prompt       string            `json:"prompt"`
	CreatorID    int64             `json:"creator_id"`
	QualityScore float64           `json:"quality_score"`
	CreatedAt    time.Time         `json:"created_at"`
	ItemMetadata map[string]any    `json:"item_metadata,omitempty"`
}

func toContentItems(rows []domain.ContentRow) []contentItem {
	out := make([]contentItem, len(rows))
	for i, row := range rows {
		out[i] = contentItem{
			ID:           row.ID,
			Source:       string(row.Source),
			Title:        row.Title,
			ContentType:  row.ContentType,
			FilePath:     row.FilePath,
			AltPaths:     row.AltPaths,
			Prompt:       row.Prompt,
			CreatorID:    row.CreatorID,
			QualityScore: row.QualityScore,
			CreatedAt:    row.CreatedAt,
			ItemMetadata: row.ItemMetadata,
		}
	}
	return out
}

// UnifiedStatsHandler returns the four-count set.
func (s *Server) UnifiedStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var userID *int64
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: user_id must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			userID = &uid
		}
		stats, err := s.Stats.Unified(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler checks downstream dependencies.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]func(context.Context) error{
			"db":     s.DBCheck,
			"redis":  s.RedisCheck,
			"broker": s.BrokerCheck,
		}
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				results[name] = "skipped"
				continue
			}
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": results})
	}
}

func jobIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: job id must be a positive integer", domain.ErrInvalidArgument)
	}
	return id, nil
}

// userIDFromHeader reads the authenticated user from X-User-Id, as injected
// by the edge proxy. Missing or malformed values fall back to the anonymous
// user 0.
func userIDFromHeader(r *http.Request) int64 {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
