// Package ingress turns external events into queued builds: forge webhooks
// and authenticated manual triggers. It owns signature verification, event
// interpretation, branch filtering, and delivery deduplication.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/forge"
	"git.home.luguber.info/inful/ando/internal/metrics"
	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/script"
	"git.home.luguber.info/inful/ando/internal/store"
)

// ResultKind classifies the outcome of a webhook delivery.
type ResultKind int

const (
	// Accepted means a build was queued (or an equivalent one already was).
	Accepted ResultKind = iota
	// Ignored means the event was recognized and deliberately skipped.
	Ignored
	// Unauthorized means the signature was missing or wrong.
	Unauthorized
	// Malformed means the payload could not be interpreted; the only outcome
	// that should produce a non-2xx response to the forge.
	Malformed
	// Pong is the answer to a ping event.
	Pong
)

// Result is the outcome of HandleWebhook.
type Result struct {
	Kind    ResultKind
	BuildID int64
	Reason  string
}

// ErrMissingSecrets carries the names a manual trigger still needs.
type ErrMissingSecrets struct {
	Names []string
}

func (e *ErrMissingSecrets) Error() string {
	return "missing required secrets: " + strings.Join(e.Names, ", ")
}

// Enqueuer registers a job with the work queue.
type Enqueuer interface {
	Enqueue(buildID, projectID int64) (string, error)
}

// Ingress dispatches external events.
type Ingress struct {
	store    *store.Store
	queue    Enqueuer
	forge    forge.Client
	scripts  *script.FileSource
	recorder metrics.Recorder
	logger   *slog.Logger
	cfg      *config.Config
}

func New(st *store.Store, q Enqueuer, fc forge.Client, scripts *script.FileSource, rec metrics.Recorder, logger *slog.Logger, cfg *config.Config) *Ingress {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{store: st, queue: q, forge: fc, scripts: scripts, recorder: rec, logger: logger, cfg: cfg}
}

const zeroSHA = "0000000000000000000000000000000000000000"

// webhookPayload covers the push and pull_request fields the dispatcher
// reads. Unknown fields are ignored.
type webhookPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`

	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Head  struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// HandleWebhook verifies and interprets one delivery. Internal errors after
// verification are folded into Ignored results so the forge does not retry
// storms at us; only malformed payloads surface as Malformed.
func (in *Ingress) HandleWebhook(ctx context.Context, event, deliveryID, signature string, body []byte) Result {
	if event == "ping" {
		in.recorder.IncWebhook(event, true)
		return Result{Kind: Pong}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		in.recorder.IncWebhook(event, false)
		return Result{Kind: Malformed, Reason: "invalid JSON payload"}
	}
	if payload.Repository.ID == 0 {
		in.recorder.IncWebhook(event, false)
		return Result{Kind: Malformed, Reason: "payload missing repository id"}
	}

	project, err := in.store.GetProjectByRepoID(ctx, payload.Repository.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			in.recorder.IncWebhook(event, false)
			return Result{Kind: Ignored, Reason: fmt.Sprintf("no project for repository %s", payload.Repository.FullName)}
		}
		return in.internalError(event, "project lookup", err)
	}

	if !verifySignature(body, signature, project.WebhookSecret) {
		in.recorder.IncWebhook(event, false)
		return Result{Kind: Unauthorized}
	}

	// Exact replays of the same delivery id collapse to Ignored before any
	// further writes.
	if deliveryID != "" {
		fresh, err := in.store.RecordWebhookDelivery(ctx, deliveryID)
		if err != nil {
			return in.internalError(event, "delivery dedupe", err)
		}
		if !fresh {
			in.recorder.IncWebhook(event, false)
			return Result{Kind: Ignored, Reason: "duplicate delivery " + deliveryID}
		}
	}

	if payload.Installation.ID != 0 && payload.Installation.ID != project.InstallationID {
		if err := in.store.UpdateInstallationID(ctx, project.ID, payload.Installation.ID); err != nil {
			in.logger.Warn("update installation id", slog.Int64("project_id", project.ID), slog.Any("err", err))
		}
	}

	switch event {
	case "push":
		return in.handlePush(ctx, project, &payload)
	case "pull_request":
		return in.handlePullRequest(ctx, project, &payload)
	default:
		in.recorder.IncWebhook(event, false)
		return Result{Kind: Ignored, Reason: "unsupported event " + event}
	}
}

func (in *Ingress) handlePush(ctx context.Context, project *model.Project, payload *webhookPayload) Result {
	if payload.After == zeroSHA {
		in.recorder.IncWebhook("push", false)
		return Result{Kind: Ignored, Reason: "branch deletion"}
	}
	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	if branch == payload.Ref {
		in.recorder.IncWebhook("push", false)
		return Result{Kind: Ignored, Reason: "non-branch ref " + payload.Ref}
	}
	if !BranchMatches(project.BranchFilter, branch) {
		in.recorder.IncWebhook("push", false)
		return Result{Kind: Ignored, Reason: fmt.Sprintf("branch %s not in filter %q", branch, project.BranchFilter)}
	}

	build := &model.Build{
		ProjectID:     project.ID,
		CommitSHA:     payload.After,
		Branch:        branch,
		CommitMessage: payload.HeadCommit.Message,
		CommitAuthor:  payload.HeadCommit.Author.Name,
		Trigger:       model.TriggerPush,
	}
	return in.enqueue(ctx, "push", project, build)
}

func (in *Ingress) handlePullRequest(ctx context.Context, project *model.Project, payload *webhookPayload) Result {
	if payload.Action != "opened" && payload.Action != "synchronize" {
		in.recorder.IncWebhook("pull_request", false)
		return Result{Kind: Ignored, Reason: "pull_request action " + payload.Action}
	}
	if !project.EnablePRBuilds {
		in.recorder.IncWebhook("pull_request", false)
		return Result{Kind: Ignored, Reason: "PR builds disabled"}
	}

	build := &model.Build{
		ProjectID:      project.ID,
		CommitSHA:      payload.PullRequest.Head.SHA,
		Branch:         payload.PullRequest.Head.Ref,
		CommitMessage:  fmt.Sprintf("PR #%d: %s", payload.Number, payload.PullRequest.Title),
		PullRequestNum: payload.Number,
		Trigger:        model.TriggerPullRequest,
	}
	return in.enqueue(ctx, "pull_request", project, build)
}

// enqueue creates the build row, registers the queue job, and writes the job
// id back, all in one transaction. A recent build for the same commit within
// the debounce window is reused instead.
func (in *Ingress) enqueue(ctx context.Context, event string, project *model.Project, build *model.Build) Result {
	if dup, err := in.store.FindRecentDuplicate(ctx, project.ID, build.CommitSHA, in.cfg.Build.DedupeWindow); err == nil && dup != nil {
		in.recorder.IncWebhook(event, true)
		return Result{Kind: Accepted, BuildID: dup.ID, Reason: "debounced to existing build"}
	}

	err := in.store.EnqueueBuild(ctx, build, func(buildID int64) (string, error) {
		return in.queue.Enqueue(buildID, project.ID)
	})
	if err != nil {
		return in.internalError(event, "enqueue build", err)
	}

	in.recorder.IncWebhook(event, true)
	in.logger.Info("build queued",
		slog.Int64("build_id", build.ID),
		slog.Int64("project_id", project.ID),
		slog.String("trigger", string(build.Trigger)),
		slog.String("commit", build.CommitSHA),
		slog.String("branch", build.Branch))
	return Result{Kind: Accepted, BuildID: build.ID}
}

// TriggerManual queues a build on user request. Required secrets are
// re-detected live from the build script; any missing name aborts without
// creating a build.
func (in *Ingress) TriggerManual(ctx context.Context, projectID int64, actor, branch string) (int64, error) {
	project, err := in.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if branch == "" {
		branch = project.DefaultBranch
	}
	owner, repo, ok := strings.Cut(project.RepoFullName, "/")
	if !ok {
		return 0, fmt.Errorf("project %d has malformed repo slug %q", projectID, project.RepoFullName)
	}

	if missing, err := in.missingSecrets(ctx, project, owner, repo, branch); err != nil {
		return 0, err
	} else if len(missing) > 0 {
		return 0, &ErrMissingSecrets{Names: missing}
	}

	sha, err := in.forge.ResolveHead(ctx, owner, repo, branch)
	if err != nil {
		in.logger.Warn("head resolution failed, using HEAD",
			slog.Int64("project_id", projectID), slog.String("branch", branch), slog.Any("err", err))
		sha = "HEAD"
	}

	build := &model.Build{
		ProjectID:     project.ID,
		CommitSHA:     sha,
		Branch:        branch,
		CommitMessage: "Manual trigger by " + actor,
		CommitAuthor:  actor,
		Trigger:       model.TriggerManual,
	}
	res := in.enqueue(ctx, "manual", project, build)
	if res.Kind != Accepted {
		return 0, fmt.Errorf("manual trigger: %s", res.Reason)
	}
	return res.BuildID, nil
}

// Retry queues a fresh build for the same commit as a finished one. Builds
// still queued or running cannot be retried.
func (in *Ingress) Retry(ctx context.Context, buildID int64) (int64, error) {
	prev, err := in.store.GetBuild(ctx, buildID)
	if err != nil {
		return 0, err
	}
	if !prev.Retryable() {
		return 0, fmt.Errorf("build %d is %s and cannot be retried", buildID, prev.Status)
	}
	project, err := in.store.GetProject(ctx, prev.ProjectID)
	if err != nil {
		return 0, err
	}

	build := &model.Build{
		ProjectID:      prev.ProjectID,
		CommitSHA:      prev.CommitSHA,
		Branch:         prev.Branch,
		CommitMessage:  prev.CommitMessage,
		CommitAuthor:   prev.CommitAuthor,
		PullRequestNum: prev.PullRequestNum,
		Trigger:        model.TriggerManual,
	}
	err = in.store.EnqueueBuild(ctx, build, func(id int64) (string, error) {
		return in.queue.Enqueue(id, project.ID)
	})
	if err != nil {
		return 0, err
	}
	in.logger.Info("build retried",
		slog.Int64("build_id", build.ID), slog.Int64("previous", prev.ID))
	return build.ID, nil
}

// missingSecrets compares the script's declared secrets with stored names.
// An unreadable script means no declared secrets rather than a hard error;
// the build itself will fail with a clearer message if the script is broken.
func (in *Ingress) missingSecrets(ctx context.Context, project *model.Project, owner, repo, branch string) ([]string, error) {
	raw, err := in.forge.FetchFile(ctx, owner, repo, in.cfg.Build.ScriptName, branch)
	if err != nil {
		in.logger.Warn("fetch build script for secret detection",
			slog.Int64("project_id", project.ID), slog.Any("err", err))
		return nil, nil
	}
	plan, err := in.scripts.CompileBytes(in.cfg.Build.ScriptName, raw)
	if err != nil {
		return nil, nil
	}

	stored, err := in.store.ListSecretNames(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(stored))
	for _, name := range stored {
		have[name] = true
	}
	var missing []string
	for _, name := range plan.Secrets {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (in *Ingress) internalError(event, op string, err error) Result {
	in.logger.Error("webhook processing failed", slog.String("event", event), slog.String("op", op), slog.Any("err", err))
	in.recorder.IncWebhook(event, false)
	return Result{Kind: Ignored, Reason: "internal error"}
}

// BranchMatches applies a comma-separated exact-name filter. An empty filter
// matches everything; names compare case-insensitively after trimming.
func BranchMatches(filter, branch string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, name := range strings.Split(filter, ",") {
		if strings.EqualFold(strings.TrimSpace(name), branch) {
			return true
		}
	}
	return false
}

// verifySignature checks the sha256= HMAC header against the raw body.
func verifySignature(body []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
