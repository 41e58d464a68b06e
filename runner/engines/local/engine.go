// Package local runs jobs directly on the host with os/exec. It exists
// for single-machine setups and for one-shot `bobbin exec` runs where a
// container daemon is unavailable.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bobbin.sh/core/cache"
	"bobbin.sh/core/log"
	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/engine"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

type Engine struct {
	l     *slog.Logger
	cfg   *config.Config
	store *cache.Store

	mu    sync.Mutex
	roots map[string]string
}

var _ models.Engine = (*Engine)(nil)

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	store, err := cache.NewStore(cfg.Pipelines.CacheDir)
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("engine", "local")

	return &Engine{
		l:     l,
		cfg:   cfg,
		store: store,
		roots: make(map[string]string),
	}, nil
}

type jobData struct {
	src string
	env map[string]string
}

// checkoutStep copies the fetched workspace into the job directory.
// The runner has already materialized the triggering commit on disk,
// so no git invocation is needed here.
type checkoutStep struct{}

func (checkoutStep) Name() string          { return "Check out repository" }
func (checkoutStep) Command() string       { return "copy workspace" }
func (checkoutStep) Kind() models.StepKind { return models.StepKindSystem }

// saveCacheStep persists a cache path after all user steps passed. It
// sits at the end of the step list, so a failing step keeps the entry
// from being written.
type saveCacheStep struct {
	cache models.CacheStep
}

func (s saveCacheStep) Name() string          { return "Save dependency cache" }
func (s saveCacheStep) Command() string       { return fmt.Sprintf("cache save %s", s.cache.ResolvedKey) }
func (s saveCacheStep) Kind() models.StepKind { return models.StepKindSystem }

func (e *Engine) InitJob(cw workflow.CompiledWorkflow, cj workflow.CompiledJob, trigger workflow.TriggerMetadata, workspace string) (*models.Job, error) {
	job := &models.Job{Name: cj.Name}

	env := make(map[string]string)
	for k, v := range cw.Environment {
		env[k] = v
	}
	for k, v := range cj.Environment {
		env[k] = v
	}

	var saves []models.Step

	for _, cs := range cj.Steps {
		switch {
		case cs.Run != "":
			job.Steps = append(job.Steps, models.NewUserStep(cs.Name, cs.Run, cs.Environment))
		case cs.Action != nil:
			switch cs.Action.Name {
			case workflow.ActionCheckout:
				if !cw.Clone.Skip {
					job.Steps = append(job.Steps, checkoutStep{})
				}
			case workflow.ActionToolchain:
				job.Steps = append(job.Steps, models.BuildToolchainStep(cs.With))
			case workflow.ActionCache:
				step := models.NewCacheStep(cs.Name, cs.With)
				step.ResolvedKey = cs.With[workflow.WithCacheKey]
				job.Steps = append(job.Steps, step)
				saves = append(saves, saveCacheStep{cache: step})
			default:
				return nil, fmt.Errorf("unknown action %q", cs.Action.Name)
			}
		}
	}

	job.Steps = append(job.Steps, saves...)
	job.Data = jobData{src: workspace, env: env}

	return job, nil
}

func (e *Engine) JobTimeout() time.Duration {
	return e.cfg.Pipelines.JobTimeout
}

func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *models.Job) error {
	root, err := os.MkdirTemp("", "bobbin-job-*")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(workspacePath(root), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(homePath(root), 0o755); err != nil {
		return err
	}

	e.mu.Lock()
	e.roots[jid.String()] = root
	e.mu.Unlock()

	e.l.Info("setting up job", "job", jid, "root", root)
	return nil
}

func (e *Engine) root(jid models.JobId) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	root, ok := e.roots[jid.String()]
	if !ok {
		return "", fmt.Errorf("job %s has no workspace", jid)
	}
	return root, nil
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job *models.Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *models.JobLogger) error {
	data := job.Data.(jobData)
	step := job.Steps[idx]

	root, err := e.root(jid)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	switch s := step.(type) {
	case checkoutStep:
		return copyDir(data.src, workspacePath(root))

	case models.CacheStep:
		target := hostPath(s.Path, root)
		err := e.store.Restore(s.ResolvedKey, target)
		if errors.Is(err, cache.ErrMiss) {
			e.l.Info("cache miss", "job", jid, "key", s.ResolvedKey)
			return nil
		}
		if errors.Is(err, cache.ErrCorrupt) {
			e.l.Warn("discarding corrupt cache entry", "job", jid, "key", s.ResolvedKey)
			return e.store.Remove(s.ResolvedKey)
		}
		if err == nil {
			e.l.Info("cache restored", "job", jid, "key", s.ResolvedKey)
		}
		return err

	case saveCacheStep:
		if e.store.Has(s.cache.ResolvedKey) {
			return nil
		}
		target := hostPath(s.cache.Path, root)
		if _, err := os.Stat(target); err != nil {
			e.l.Info("cache path missing, nothing to save", "job", jid, "key", s.cache.ResolvedKey)
			return nil
		}
		e.l.Info("saving cache", "job", jid, "key", s.cache.ResolvedKey)
		return e.store.Save(s.cache.ResolvedKey, target)
	}

	return e.runCommand(ctx, jid, data, step, idx, secrets, jobLogger, root)
}

func (e *Engine) runCommand(ctx context.Context, jid models.JobId, data jobData, step models.Step, idx int, unlocked []secrets.UnlockedSecret, jobLogger *models.JobLogger, root string) error {
	envs := engine.EnvVars(os.Environ())
	for _, kv := range engine.ConstructEnvs(data.env) {
		envs = append(envs, kv)
	}
	for _, s := range unlocked {
		envs.AddEnv(s.Key, s.Value)
	}
	if cs, ok := step.(models.CommandStep); ok {
		for k, v := range cs.Environment() {
			envs.AddEnv(k, v)
		}
	}
	envs.AddEnv("HOME", homePath(root))

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command())
	cmd.Dir = workspacePath(root)
	cmd.Env = envs.Slice()
	if jobLogger != nil {
		cmd.Stdout = jobLogger.DataWriter(idx, "stdout")
		cmd.Stderr = jobLogger.DataWriter(idx, "stderr")
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	e.l.Info("running step", "job", jid, "step", step.Name())

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return engine.ErrTimedOut
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.l.Error("step failed", "job", jid.String(), "step", step.Name(), "exit_code", exitErr.ExitCode())
		return engine.ErrJobFailed
	}

	return err
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.mu.Lock()
	root, ok := e.roots[jid.String()]
	delete(e.roots, jid.String())
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(root)
}

func workspacePath(root string) string {
	return filepath.Join(root, "workspace")
}

func homePath(root string) string {
	return filepath.Join(root, "home")
}

// hostPath maps a workflow cache path to a host path. `~` refers to
// the per-job home directory.
func hostPath(p, root string) string {
	if p == "~" {
		return homePath(root)
	}
	if after, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(homePath(root), after)
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(workspacePath(root), p)
	}
	return p
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		info, err := d.Info()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}
