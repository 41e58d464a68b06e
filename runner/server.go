package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bobbin.sh/core/log"
	"bobbin.sh/core/notifier"
	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/db"
	"bobbin.sh/core/runner/engines/docker"
	"bobbin.sh/core/runner/engines/local"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/runner/queue"
	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

type Runner struct {
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	eng models.Engine
	jq  *queue.Queue
	cfg *config.Config
	sm  secrets.Manager
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}

	sm, err := secrets.NewManager(ctx, cfg)
	if err != nil {
		return err
	}
	if stopper, ok := sm.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	jq := queue.NewQueue(100, 2)

	runner := Runner{
		db:  d,
		l:   logger,
		n:   &n,
		eng: eng,
		jq:  jq,
		cfg: cfg,
		sm:  sm,
	}

	// starts the job queue workers in the background
	jq.Start()
	defer jq.Stop()

	logger.Info("starting bobbin server", "address", cfg.Server.ListenAddr, "engine", cfg.Pipelines.Engine)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, runner.Router()))

	return nil
}

func newEngine(ctx context.Context, cfg *config.Config) (models.Engine, error) {
	switch cfg.Pipelines.Engine {
	case "docker":
		return docker.New(ctx, cfg)
	case "local":
		return local.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Pipelines.Engine)
	}
}

func (s *Runner) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/pipelines", s.NewPipeline)
	mux.Get("/pipelines", s.Pipelines)
	mux.Get("/pipelines/{id}", s.Pipeline)
	mux.Get("/logs/{id}/{workflow}/{job}", s.Logs)
	mux.HandleFunc("/events", s.Events)

	return mux
}

type diagnosticsResponse struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func diagnosticsJSON(d workflow.Diagnostics) diagnosticsResponse {
	var resp diagnosticsResponse
	for _, e := range d.Errors {
		resp.Errors = append(resp.Errors, e.String())
	}
	for _, w := range d.Warnings {
		resp.Warnings = append(resp.Warnings, w.String())
	}
	return resp
}

type newPipelineResponse struct {
	Id       models.PipelineId `json:"id"`
	Warnings []string          `json:"warnings,omitempty"`
}

// NewPipeline accepts trigger metadata, compiles the repository's
// workflows at the triggering commit and enqueues the resulting
// pipeline. Compile errors come back as a 400 with diagnostics.
func (s *Runner) NewPipeline(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "NewPipeline")

	var trigger workflow.TriggerMetadata
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed trigger: %s", err))
		return
	}
	if trigger.Repo == nil || trigger.Repo.CloneURL == "" {
		writeError(w, http.StatusBadRequest, "no repository in trigger metadata")
		return
	}

	workspace, err := FetchWorkspace(r.Context(), trigger)
	if err != nil {
		l.Error("failed to fetch workspace", "repo", trigger.Repo.Name, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("fetching repository: %s", err))
		return
	}

	raw, err := LoadWorkflows(workspace)
	if err != nil {
		os.RemoveAll(workspace)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	compiler := workflow.Compiler{Trigger: trigger}
	cp := compiler.Compile(compiler.Parse(raw))
	if compiler.Diagnostics.IsErr() {
		os.RemoveAll(workspace)
		writeJSON(w, http.StatusBadRequest, diagnosticsJSON(compiler.Diagnostics))
		return
	}

	if err := ResolveCacheKeys(&cp, workspace); err != nil {
		os.RemoveAll(workspace)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := models.PipelineId(uuid.NewString())

	if err := s.db.CreatePipeline(id, trigger, s.n); err != nil {
		os.RemoveAll(workspace)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, cw := range cp.Workflows {
		err := s.db.StatusPending(models.WorkflowId{PipelineId: id, Name: cw.Name}, s.n)
		if err != nil {
			l.Error("failed to record pending status", "pipeline", id, "workflow", cw.Name, "error", err)
		}
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			defer os.RemoveAll(workspace)
			return s.execute(context.Background(), id, cp, workspace)
		},
		OnFail: func(jobError error) {
			s.l.Error("pipeline run failed", "pipeline", id, "error", jobError)
		},
	})
	if !ok {
		os.RemoveAll(workspace)
		l.Error("failed to enqueue pipeline: queue is full", "pipeline", id)
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}

	l.Info("pipeline enqueued", "pipeline", id, "repo", trigger.Repo.Name)

	resp := newPipelineResponse{Id: id}
	resp.Warnings = diagnosticsJSON(compiler.Diagnostics).Warnings
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Runner) Pipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.db.GetPipelines(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Runner) Pipeline(w http.ResponseWriter, r *http.Request) {
	id := models.PipelineId(chi.URLParam(r, "id"))

	pipeline, err := s.db.GetPipeline(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such pipeline")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// Logs serves a job's log file as newline-delimited JSON.
func (s *Runner) Logs(w http.ResponseWriter, r *http.Request) {
	jid := models.JobId{
		PipelineId: models.PipelineId(chi.URLParam(r, "id")),
		Workflow:   chi.URLParam(r, "workflow"),
		Job:        chi.URLParam(r, "job"),
	}

	path := models.LogFilePath(s.cfg.Pipelines.LogDir, jid)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "no logs for job")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
