package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"bobbin.sh/core/log"
	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/engine"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

const (
	workspaceDir = "/bobbin/workspace"
)

type cleanupFunc func(context.Context) error

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

var _ models.Engine = (*Engine)(nil)

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("engine", "docker")

	e := &Engine{
		docker: dcli,
		l:      l,
		cfg:    cfg,
	}

	e.cleanup = make(map[string][]cleanupFunc)

	return e, nil
}

// cacheMount pairs a shared cache volume with its mount point inside
// the step containers. The volume is named after the resolved cache
// key, so runs with identical lockfiles land on the same volume.
type cacheMount struct {
	volume string
	target string
}

type jobData struct {
	image  string
	env    map[string]string
	caches []cacheMount
}

func (e *Engine) InitJob(cw workflow.CompiledWorkflow, cj workflow.CompiledJob, trigger workflow.TriggerMetadata, workspace string) (*models.Job, error) {
	job := &models.Job{Name: cj.Name}

	env := make(map[string]string)
	for k, v := range cw.Environment {
		env[k] = v
	}
	for k, v := range cj.Environment {
		env[k] = v
	}

	data := jobData{
		image: e.runnerImage(cj),
		env:   env,
	}

	for _, cs := range cj.Steps {
		switch {
		case cs.Run != "":
			job.Steps = append(job.Steps, models.NewUserStep(cs.Name, cs.Run, cs.Environment))
		case cs.Action != nil:
			switch cs.Action.Name {
			case workflow.ActionCheckout:
				if checkout := models.BuildCheckoutStep(cw.Clone, trigger); checkout.Command() != "" {
					job.Steps = append(job.Steps, checkout)
				}
			case workflow.ActionToolchain:
				job.Steps = append(job.Steps, models.BuildToolchainStep(cs.With))
			case workflow.ActionCache:
				step := models.NewCacheStep(cs.Name, cs.With)
				step.ResolvedKey = cs.With[workflow.WithCacheKey]
				job.Steps = append(job.Steps, step)
				data.caches = append(data.caches, cacheMount{
					volume: cacheVolume(step.ResolvedKey),
					target: containerPath(step.Path),
				})
			default:
				return nil, fmt.Errorf("unknown action %q", cs.Action.Name)
			}
		}
	}

	job.Data = data
	return job, nil
}

func (e *Engine) runnerImage(cj workflow.CompiledJob) string {
	if cj.RunsOn != "" {
		return cj.RunsOn
	}
	return e.cfg.Pipelines.RunnerImage
}

func (e *Engine) JobTimeout() time.Duration {
	return e.cfg.Pipelines.JobTimeout
}

// SetupJob creates a workspace volume and network for the job, plus one
// volume per cache entry. Cache volumes are shared across jobs and are
// not destroyed with the job.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *models.Job) error {
	e.l.Info("setting up job", "job", jid)

	data := job.Data.(jobData)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(jid),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(jid), true)
	})

	for _, cm := range data.caches {
		// VolumeCreate is idempotent for an existing name
		_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
			Name:   cm.volume,
			Driver: "local",
		})
		if err != nil {
			return err
		}
	}

	_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(jid))
	})

	err = retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, data.image, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
	)
	if err != nil {
		e.l.Error("image pull failed", "image", data.image, "job", jid, "error", err.Error())
		return fmt.Errorf("pulling image: %w", err)
	}

	return nil
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job *models.Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *models.JobLogger) error {
	data := job.Data.(jobData)
	step := job.Steps[idx]

	if _, ok := step.(models.CacheStep); ok {
		// the cache volume mounted at setup already holds the entry
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	jobEnvs := engine.ConstructEnvs(data.env)
	for _, s := range secrets {
		jobEnvs.AddEnv(s.Key, s.Value)
	}

	envs := append(engine.EnvVars(nil), jobEnvs...)
	if cs, ok := step.(models.CommandStep); ok {
		for k, v := range cs.Environment() {
			envs.AddEnv(k, v)
		}
	}
	envs.AddEnv("HOME", workspaceDir)
	e.l.Debug("envs for step", "step", step.Name(), "envs", envs.Slice())

	hostConfig := hostConfig(jid, data.caches)
	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      data.image,
		Cmd:        []string{"sh", "-c", step.Command()},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "bobbin",
		Env:        envs.Slice(),
	}, hostConfig, nil, nil, "")
	defer e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name())

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, jobLogger, resp.ID, idx)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:

		// wait for tailing to complete
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", step.Name())
		err = e.DestroyStep(context.Background(), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return engine.ErrTimedOut
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if waitErr != nil {
		return waitErr
	}

	err = e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return err
	}

	if state.ExitCode != 0 {
		e.l.Error("step failed", "job", jid.String(), "step", step.Name(), "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return engine.ErrJobFailed
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, jobLogger *models.JobLogger, containerID string, stepIdx int) error {
	if jobLogger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		jobLogger.DataWriter(stepIdx, "stdout"),
		jobLogger.DataWriter(stepIdx, "stderr"),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.cleanupMu.Lock()
	key := jid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", jid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(jid models.JobId) string {
	return fmt.Sprintf("workspace-%s", jid)
}

func cacheVolume(key string) string {
	return fmt.Sprintf("bobbin-cache-%s", key)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("job-network-%s", jid)
}

// containerPath maps a workflow cache path to a path inside the step
// containers. `~` refers to the workspace, since HOME is set there.
func containerPath(p string) string {
	if p == "~" {
		return workspaceDir
	}
	if after, ok := strings.CutPrefix(p, "~/"); ok {
		return workspaceDir + "/" + after
	}
	return p
}

func hostConfig(jid models.JobId, caches []cacheMount) *container.HostConfig {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: workspaceVolume(jid),
			Target: workspaceDir,
		},
		{
			Type:     mount.TypeTmpfs,
			Target:   "/tmp",
			ReadOnly: false,
			TmpfsOptions: &mount.TmpfsOptions{
				Mode: 0o1777, // world-writeable sticky bit
				Options: [][]string{
					{"exec"},
				},
			},
		},
	}

	for _, cm := range caches {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: cm.volume,
			Target: cm.target,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts:         mounts,
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
