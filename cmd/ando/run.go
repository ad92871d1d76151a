package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.home.luguber.info/inful/ando/internal/container"
	"git.home.luguber.info/inful/ando/internal/executor"
	"git.home.luguber.info/inful/ando/internal/script"
)

// CLI engine exit codes.
const (
	exitOK          = 0
	exitBuildFailed = 1
	exitFileError   = 2
	exitNoRuntime   = 3
	exitValidation  = 4
	exitInternal    = 5
)

const defaultScriptName = "build.ando"
const defaultLocalImage = "mcr.microsoft.com/dotnet/sdk:8.0"

// runLocal executes the build script in the current directory against a warm
// container, streaming output to stdout and a log file beside the script.
func runLocal(scriptPath, imageOverride string, verbose bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if scriptPath == "" {
		scriptPath = defaultScriptName
	}
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInternal
	}
	if _, err := os.Stat(abs); err != nil {
		fmt.Fprintf(os.Stderr, "error: build script %s not found\n", scriptPath)
		return exitFileError
	}
	projectDir := filepath.Dir(abs)

	source := &script.FileSource{DefaultImage: defaultLocalImage}
	plan, err := source.Compile(ctx, abs)
	if err != nil {
		var verr *script.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "error: %v\n", verr)
			return exitValidation
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFileError
	}
	if imageOverride != "" {
		plan.Image = imageOverride
	}

	if missing := missingLocalSecrets(plan); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "error: required secrets not set in environment: %v\n", missing)
		return exitValidation
	}

	api, err := container.NewDockerAPI("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: container runtime unavailable: %v\n", err)
		return exitNoRuntime
	}
	mgr := container.NewManager(api)
	if !mgr.Available(ctx) {
		fmt.Fprintln(os.Stderr, "error: container runtime not responding")
		return exitNoRuntime
	}

	logFile, err := os.Create(abs + ".log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFileError
	}
	defer logFile.Close() //nolint:errcheck

	run := &localRun{
		mgr:        mgr,
		plan:       plan,
		projectDir: projectDir,
		log:        logFile,
		verbose:    verbose,
	}
	return run.execute(ctx)
}

// missingLocalSecrets checks declared secrets against the process
// environment; locally, secrets come from env vars rather than the vault.
func missingLocalSecrets(plan *script.Plan) []string {
	var missing []string
	for _, name := range plan.Secrets {
		if _, ok := os.LookupEnv(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

type localRun struct {
	mgr        *container.Manager
	plan       *script.Plan
	projectDir string
	log        *os.File
	verbose    bool
}

// emit writes one line to stdout and the build log.
func (lr *localRun) emit(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Println(line)
	fmt.Fprintf(lr.log, "%s %s\n", time.Now().Format(time.RFC3339), line)
}

func (lr *localRun) execute(ctx context.Context) int {
	cfg := container.Config{
		ProjectName: filepath.Base(lr.projectDir),
		ScriptHash:  lr.plan.Raw,
		Image:       lr.plan.Image,
	}
	name := container.ContainerName(cfg.ProjectName, cfg.ScriptHash)
	unlock := lr.mgr.Lock(name)
	defer unlock()

	lr.emit("Using container %s (%s)", name, lr.plan.Image)

	handle, err := lr.mgr.EnsureContainer(ctx, cfg)
	if err != nil {
		lr.emit("error: container setup failed: %v", err)
		return exitNoRuntime
	}
	if err := lr.mgr.StageProject(ctx, handle, lr.projectDir); err != nil {
		lr.emit("error: staging failed: %v", err)
		return exitInternal
	}
	if err := lr.mgr.CleanArtifacts(ctx, handle); err != nil {
		lr.emit("error: artifact cleanup failed: %v", err)
		return exitInternal
	}

	env := make(map[string]string, len(lr.plan.Secrets))
	for _, secretName := range lr.plan.Secrets {
		env[secretName] = os.Getenv(secretName)
	}

	exec := executor.NewContainer(lr.mgr, handle, lr.projectDir)
	for _, step := range lr.plan.Steps {
		lr.emit("==> %s", step.Name)
		started := time.Now()

		res, err := exec.Run(ctx, executor.Command{
			Command: step.Command,
			Args:    step.Args,
			Dir:     step.Dir,
			Env:     env,
			Timeout: step.Timeout,
		}, func(line string) {
			fmt.Println(line)
			fmt.Fprintln(lr.log, line)
		})
		if err != nil {
			lr.emit("error: step %s: %v", step.Name, err)
			return exitBuildFailed
		}
		if !res.Success() {
			lr.emit("step %s failed with exit code %d", step.Name, res.ExitCode)
			return exitBuildFailed
		}
		lr.emit("<== %s (%s)", step.Name, time.Since(started).Round(time.Millisecond))
	}

	if code := lr.copyArtifacts(ctx, handle); code != exitOK {
		return code
	}
	lr.emit("Build succeeded")
	return exitOK
}

func (lr *localRun) copyArtifacts(ctx context.Context, handle container.Handle) int {
	if len(lr.plan.Artifacts) == 0 {
		return exitOK
	}
	outDir := filepath.Join(lr.projectDir, "artifacts")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		lr.emit("error: %v", err)
		return exitFileError
	}
	for _, artifactName := range lr.plan.Artifacts {
		src := handle.ArtifactsDir() + "/" + artifactName
		dst := filepath.Join(outDir, filepath.Base(artifactName))
		if err := lr.mgr.CopyOut(ctx, handle, src, dst); err != nil {
			lr.emit("error: copy artifact %s: %v", artifactName, err)
			return exitBuildFailed
		}
		lr.emit("Artifact %s", dst)
	}
	return exitOK
}
