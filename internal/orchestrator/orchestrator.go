// Package orchestrator owns the build state machine. A worker hands it a
// queued build; it drives the build through checkout, container setup, step
// execution, and artifact extraction to exactly one terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/container"
	"git.home.luguber.info/inful/ando/internal/executor"
	"git.home.luguber.info/inful/ando/internal/gitclient"
	"git.home.luguber.info/inful/ando/internal/logstream"
	"git.home.luguber.info/inful/ando/internal/metrics"
	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/observability"
	"git.home.luguber.info/inful/ando/internal/retry"
	"git.home.luguber.info/inful/ando/internal/script"
	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/vault"
	"git.home.luguber.info/inful/ando/internal/workspace"
)

// Notifier is told about finished builds. Implementations must not block.
type Notifier interface {
	BuildFinished(ctx context.Context, b *model.Build, p *model.Project)
}

// SourceFetcher positions a project checkout in a staging directory.
type SourceFetcher interface {
	Checkout(ctx context.Context, spec gitclient.CheckoutSpec, dir string) error
}

// Orchestrator runs builds. Safe for concurrent use; each Run call owns one
// build end-to-end and builds sharing a warm container serialize on the
// container manager's per-name lock.
type Orchestrator struct {
	store      *store.Store
	logs       *logstream.Transport
	containers *container.Manager
	scripts    script.Source
	source     SourceFetcher
	vault      *vault.Vault
	ws         *workspace.Manager
	notifier   Notifier
	recorder   metrics.Recorder
	logger     *slog.Logger
	cfg        *config.Config
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store      *store.Store
	Logs       *logstream.Transport
	Containers *container.Manager
	Scripts    script.Source
	Source     SourceFetcher
	Vault      *vault.Vault
	Workspace  *workspace.Manager
	Notifier   Notifier
	Recorder   metrics.Recorder
	Logger     *slog.Logger
	Config     *config.Config
}

func New(d Deps) *Orchestrator {
	if d.Recorder == nil {
		d.Recorder = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      d.Store,
		logs:       d.Logs,
		containers: d.Containers,
		scripts:    d.Scripts,
		source:     d.Source,
		vault:      d.Vault,
		ws:         d.Workspace,
		notifier:   d.Notifier,
		recorder:   d.Recorder,
		logger:     d.Logger,
		cfg:        d.Config,
	}
}

// Run executes one build to a terminal state. It returns an error only when
// the build row could not be loaded or claimed; everything after the claim is
// resolved into a terminal status on the row itself.
func (o *Orchestrator) Run(ctx context.Context, buildID int64) error {
	build, err := o.store.GetBuild(ctx, buildID)
	if err != nil {
		return fmt.Errorf("load build %d: %w", buildID, err)
	}
	project, err := o.store.GetProject(ctx, build.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", build.ProjectID, err)
	}

	ctx = observability.WithProjectID(observability.WithBuildID(ctx, build.ID), project.ID)

	// Claim the row. Losing the race means the build was cancelled while
	// queued or picked up elsewhere; either way it is not ours.
	startedAt := time.Now()
	if err := o.store.MarkBuildStarted(ctx, build.ID, startedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			observability.InfoContext(ctx, "build no longer claimable, skipping")
			return nil
		}
		return fmt.Errorf("claim build %d: %w", buildID, err)
	}
	build.Status = model.BuildStatusRunning
	build.StartedAt = &startedAt

	budget := project.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	outcome := o.execute(runCtx, build, project)
	o.finalize(ctx, build, project, outcome, budget)
	return nil
}

// outcome is the result of the run body, classified into a terminal status.
type outcome struct {
	status model.BuildStatus
	errMsg string
}

// execute is the run body. Panics from step execution or collaborators are
// recovered into a Failed outcome so one bad build never takes down a worker.
func (o *Orchestrator) execute(ctx context.Context, build *model.Build, project *model.Project) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during build execution",
				slog.Int64("build_id", build.ID), slog.Any("panic", r))
			out = outcome{status: model.BuildStatusFailed, errMsg: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	o.appendLog(ctx, build.ID, model.LogInfo, fmt.Sprintf("Build #%d started (%s@%s)", build.ID, project.RepoFullName, build.Branch), "")

	env, err := o.decryptSecrets(ctx, project.ID)
	if err != nil {
		return o.fail(ctx, build, fmt.Sprintf("decrypt secrets: %v", err))
	}

	staging, err := o.ws.StagingDir(build.ID)
	if err != nil {
		return o.fail(ctx, build, fmt.Sprintf("create staging dir: %v", err))
	}
	defer o.ws.CleanupStaging(staging)

	if err := o.withRetry(ctx, "checkout", func() error {
		return o.source.Checkout(ctx, gitclient.CheckoutSpec{
			URL:       "https://github.com/" + project.RepoFullName,
			Branch:    build.Branch,
			CommitSHA: build.CommitSHA,
		}, staging)
	}); err != nil {
		return o.classify(ctx, build, fmt.Sprintf("checkout failed: %v", err))
	}

	plan, err := o.compileScript(ctx, staging, project)
	if err != nil {
		return o.fail(ctx, build, err.Error())
	}

	handle, unlock, err := o.acquireContainer(ctx, project, plan, staging)
	if err != nil {
		return o.classify(ctx, build, err.Error())
	}
	defer unlock()

	build.StepsTotal = len(plan.Steps)
	if err := o.store.UpdateBuildSteps(ctx, build.ID, build.StepsTotal, 0, 0); err != nil {
		observability.WarnContext(ctx, "persist step counters", slog.Any("err", err))
	}

	exec := executor.NewContainer(o.containers, handle, staging)
	stepEnv := o.buildEnv(env, build, project)

	if failed := o.runSteps(ctx, build, plan, exec, stepEnv); failed != nil {
		return *failed
	}

	if err := o.extractArtifacts(ctx, build, project, plan, handle); err != nil {
		return o.fail(ctx, build, fmt.Sprintf("artifact extraction failed: %v", err))
	}
	return outcome{status: model.BuildStatusSuccess}
}

// runSteps drives the step loop. Returns nil when every step succeeded, or
// the terminal outcome for the first failure, timeout, or cancellation.
func (o *Orchestrator) runSteps(ctx context.Context, build *model.Build, plan *script.Plan, exec executor.Executor, env map[string]string) *outcome {
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			out := o.classify(ctx, build, "interrupted before step "+step.Name)
			return &out
		}

		stepCtx := observability.WithStep(ctx, step.Name)
		o.appendLog(stepCtx, build.ID, model.LogStepStarted, "Starting step: "+step.Name, step.Name)
		started := time.Now()

		timeout := step.Timeout
		if timeout == 0 {
			timeout = o.cfg.Build.StepTimeout
		}
		if timeout == 0 {
			timeout = executor.Unlimited
		}
		// The run context deadline caps the step regardless of how
		// generous the per-step timeout is.
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); timeout == executor.Unlimited || remaining < timeout {
				timeout = remaining
			}
		}

		res, err := exec.Run(stepCtx, executor.Command{
			Command: step.Command,
			Args:    step.Args,
			Dir:     step.Dir,
			Env:     mergeMaps(env, step.Env),
			Timeout: timeout,
		}, func(line string) {
			o.appendLog(stepCtx, build.ID, model.LogOutput, line, step.Name)
		})

		o.recorder.ObserveStepDuration(step.Name, time.Since(started))

		switch {
		case err != nil:
			build.StepsFailed++
			o.persistSteps(ctx, build)
			o.appendLog(stepCtx, build.ID, model.LogStepFailed, fmt.Sprintf("Step %s: %v", step.Name, err), step.Name)
			out := o.classify(ctx, build, fmt.Sprintf("step %s: %v", step.Name, err))
			return &out
		case !res.Success():
			build.StepsFailed++
			o.persistSteps(ctx, build)
			o.appendLog(stepCtx, build.ID, model.LogStepFailed,
				fmt.Sprintf("Step %s failed with exit code %d", step.Name, res.ExitCode), step.Name)
			o.recorder.IncStepResult(step.Name, false)
			out := outcome{
				status: model.BuildStatusFailed,
				errMsg: fmt.Sprintf("step %s failed with exit code %d", step.Name, res.ExitCode),
			}
			return &out
		default:
			build.StepsCompleted++
			o.persistSteps(ctx, build)
			o.appendLog(stepCtx, build.ID, model.LogStepCompleted, "Completed step: "+step.Name, step.Name)
			o.recorder.IncStepResult(step.Name, true)
		}
	}
	return nil
}

// fail records a Failed outcome with an Error log record.
func (o *Orchestrator) fail(ctx context.Context, build *model.Build, msg string) outcome {
	o.appendLog(ctx, build.ID, model.LogError, msg, "")
	return outcome{status: model.BuildStatusFailed, errMsg: msg}
}

// classify folds context state into the right terminal status: deadline
// overrun is TimedOut, cancellation is Cancelled, anything else Failed.
func (o *Orchestrator) classify(ctx context.Context, build *model.Build, msg string) outcome {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return outcome{status: model.BuildStatusTimedOut}
	case ctx.Err() != nil:
		return outcome{status: model.BuildStatusCancelled, errMsg: "build cancelled"}
	default:
		return o.fail(ctx, build, msg)
	}
}

// finalize persists the terminal state, closes the log stream, and fans out
// notifications. The build's warm container is deliberately left in place.
func (o *Orchestrator) finalize(ctx context.Context, build *model.Build, project *model.Project, out outcome, budget time.Duration) {
	// The caller's context is dead when the build was cancelled or the
	// process is shutting down; the terminal record must land regardless.
	ctx = context.WithoutCancel(ctx)

	build.Status = out.status
	build.ErrorMessage = out.errMsg
	if out.status == model.BuildStatusTimedOut {
		build.ErrorMessage = fmt.Sprintf("timeout after %d minutes", int(budget.Minutes()))
	}
	now := time.Now()
	build.FinishedAt = &now

	switch out.status {
	case model.BuildStatusSuccess:
		o.appendLog(ctx, build.ID, model.LogInfo, fmt.Sprintf("Build #%d succeeded", build.ID), "")
	default:
		o.appendLog(ctx, build.ID, model.LogError,
			fmt.Sprintf("Build #%d finished: %s %s", build.ID, out.status, build.ErrorMessage), "")
	}

	if err := o.store.FinishBuild(ctx, build); err != nil {
		observability.ErrorContext(ctx, "persist terminal build state", slog.Any("err", err))
	}
	o.logs.Finalize(build.ID, build.Status)

	o.recorder.ObserveBuildDuration(string(build.Status), build.Duration())
	o.recorder.IncBuildOutcome(string(build.Status))

	if o.notifier != nil && project.NotifyOnFinish {
		o.notifier.BuildFinished(ctx, build, project)
	}
	observability.InfoContext(ctx, "build finished",
		slog.String("status", string(build.Status)),
		slog.Duration("duration", build.Duration()))
}

func (o *Orchestrator) decryptSecrets(ctx context.Context, projectID int64) (map[string]string, error) {
	secrets, err := o.store.ListSecrets(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(secrets))
	for _, s := range secrets {
		plain, err := o.vault.Decrypt(s.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", s.Name, err)
		}
		env[s.Name] = string(plain)
	}
	return env, nil
}

func (o *Orchestrator) compileScript(ctx context.Context, staging string, project *model.Project) (*script.Plan, error) {
	path := filepath.Join(staging, o.cfg.Build.ScriptName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("build script %s not found in repository", o.cfg.Build.ScriptName)
	}
	plan, err := o.scripts.Compile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("compile build script: %w", err)
	}
	if plan.Image == "" {
		plan.Image = o.imageFor(project)
	}
	return plan, nil
}

func (o *Orchestrator) imageFor(project *model.Project) string {
	if project.ImageOverride != "" {
		return project.ImageOverride
	}
	return o.cfg.Docker.DefaultImage
}

// acquireContainer ensures the warm container, takes its serialization lock,
// and re-stages the workspace. The returned unlock must be deferred.
func (o *Orchestrator) acquireContainer(ctx context.Context, project *model.Project, plan *script.Plan, staging string) (container.Handle, func(), error) {
	image := plan.Image
	if override := project.ImageOverride; override != "" {
		image = override
	}
	cfg := container.Config{
		ProjectName:   project.Name,
		ScriptHash:    plan.Raw,
		Image:         image,
		WorkspacePath: o.cfg.Docker.WorkspacePath,
	}

	unlock := o.containers.Lock(container.ContainerName(cfg.ProjectName, cfg.ScriptHash))

	var handle container.Handle
	err := o.withRetry(ctx, "container", func() error {
		var err error
		handle, err = o.containers.EnsureContainer(ctx, cfg)
		return err
	})
	if err != nil {
		unlock()
		return container.Handle{}, nil, fmt.Errorf("container setup failed: %w", err)
	}

	if err := o.withRetry(ctx, "stage", func() error {
		if err := o.containers.StageProject(ctx, handle, staging); err != nil {
			return err
		}
		return o.containers.CleanArtifacts(ctx, handle)
	}); err != nil {
		unlock()
		return container.Handle{}, nil, fmt.Errorf("workspace staging failed: %w", err)
	}
	return handle, unlock, nil
}

func (o *Orchestrator) extractArtifacts(ctx context.Context, build *model.Build, project *model.Project, plan *script.Plan, handle container.Handle) error {
	if len(plan.Artifacts) == 0 {
		return nil
	}
	if _, err := o.ws.ArtifactDir(project.ID, build.ID); err != nil {
		return err
	}
	expires := time.Now().Add(o.cfg.ArtifactRetention())

	for _, name := range plan.Artifacts {
		containerPath := handle.ArtifactsDir() + "/" + name
		hostPath := o.ws.ArtifactPath(project.ID, build.ID, filepath.Base(name))
		if err := o.containers.CopyOut(ctx, handle, containerPath, hostPath); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
		info, err := os.Stat(hostPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", hostPath, err)
		}
		if err := o.store.CreateArtifact(ctx, &model.Artifact{
			BuildID:   build.ID,
			ProjectID: project.ID,
			Name:      filepath.Base(name),
			SizeBytes: info.Size(),
			ExpiresAt: expires,
		}); err != nil {
			return fmt.Errorf("register artifact %s: %w", name, err)
		}
		o.appendLog(ctx, build.ID, model.LogInfo,
			fmt.Sprintf("Artifact %s (%d bytes)", filepath.Base(name), info.Size()), "")
	}
	return nil
}

// withRetry runs fn with bounded backoff for transient infrastructure
// errors. Errors not marked transient return on the first attempt, and a
// dead context stops retrying immediately.
func (o *Orchestrator) withRetry(ctx context.Context, stage string, fn func() error) error {
	policy := retry.NewPolicy(retry.BackoffLinear,
		o.cfg.Build.TransientBackoff, o.cfg.Build.TransientBackoff*10, o.cfg.Build.TransientRetries)

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retry.IsTransient(err) || ctx.Err() != nil || attempt >= policy.MaxRetries {
			return err
		}
		delay := policy.Delay(attempt + 1)
		o.logger.Warn("transient failure, retrying",
			slog.String("stage", stage),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
}

// appendLog writes a log record through the transport. Append failures are
// logged but never abort a build; the record sequence stays gapless because
// the transport rolls back on store errors.
func (o *Orchestrator) appendLog(ctx context.Context, buildID int64, typ model.LogEntryType, message, stepName string) {
	// The run context may already be dead (timeout, cancel); log records
	// describing that outcome must still land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if _, err := o.logs.Append(ctx, buildID, typ, message, stepName); err != nil {
		o.logger.Warn("append log record",
			slog.Int64("build_id", buildID),
			slog.String("type", string(typ)),
			slog.Any("err", err))
	}
}

func (o *Orchestrator) persistSteps(ctx context.Context, build *model.Build) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpdateBuildSteps(ctx, build.ID, build.StepsTotal, build.StepsCompleted, build.StepsFailed); err != nil {
		o.logger.Warn("persist step counters", slog.Int64("build_id", build.ID), slog.Any("err", err))
	}
}

// buildEnv merges decrypted secrets with build metadata. Secrets win on
// collision so a script cannot be tricked into reading a forged value.
func (o *Orchestrator) buildEnv(secrets map[string]string, build *model.Build, project *model.Project) map[string]string {
	env := map[string]string{
		"ANDO_BUILD_ID":   fmt.Sprintf("%d", build.ID),
		"ANDO_PROJECT":    project.Name,
		"ANDO_REPO":       project.RepoFullName,
		"ANDO_BRANCH":     build.Branch,
		"ANDO_COMMIT_SHA": build.CommitSHA,
		"ANDO_TRIGGER":    string(build.Trigger),
	}
	for k, v := range secrets {
		env[k] = v
	}
	return env
}

func mergeMaps(base, overlay map[string]string) map[string]string {
	if len(overlay) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
