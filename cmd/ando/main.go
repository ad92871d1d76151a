package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"ando.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Server struct {
	} `cmd:"" help:"Run the CI controller: webhook ingress, build workers, HTTP API"`

	Run struct {
		Script string `arg:"" optional:"" help:"Build script path (default: build.ando in the current directory)"`
		Image  string `help:"Override the container image"`
	} `cmd:"" help:"Run the build script locally inside a warm container"`

	Trigger struct {
		ProjectID int64  `arg:"" help:"Project to build"`
		Branch    string `help:"Branch to build (default: project default branch)"`
		Server    string `help:"Controller base URL" default:"http://localhost:8080"`
		Token     string `help:"API token" env:"ANDO_API_TOKEN"`
	} `cmd:"" help:"Trigger a build through the controller API"`

	Cancel struct {
		BuildID int64  `arg:"" help:"Build to cancel"`
		Server  string `help:"Controller base URL" default:"http://localhost:8080"`
		Token   string `help:"API token" env:"ANDO_API_TOKEN"`
	} `cmd:"" help:"Cancel a queued or running build"`

	Token struct {
		Create struct {
			Name string `arg:"" help:"Token name, e.g. the caller it is issued to"`
		} `cmd:"" help:"Mint an API token and print it once"`
	} `cmd:"" help:"Manage API tokens"`

	Init struct {
		Force bool `help:"Overwrite an existing configuration file"`
	} `cmd:"" help:"Write a starter configuration file"`

	Version struct {
	} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "server":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
		setupLogging(cfg)
		if err := runServer(cfg, CLI.Config); err != nil {
			slog.Error("server exited", "err", err)
			os.Exit(1)
		}
	case "run", "run <script>":
		os.Exit(runLocal(CLI.Run.Script, CLI.Run.Image, CLI.Verbose))
	case "trigger <project-id>":
		if err := apiTrigger(CLI.Trigger.Server, CLI.Trigger.Token, CLI.Trigger.ProjectID, CLI.Trigger.Branch); err != nil {
			fmt.Fprintf(os.Stderr, "trigger failed: %v\n", err)
			os.Exit(1)
		}
	case "cancel <build-id>":
		if err := apiCancel(CLI.Cancel.Server, CLI.Cancel.Token, CLI.Cancel.BuildID); err != nil {
			fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
			os.Exit(1)
		}
	case "token create <name>":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
		if err := tokenCreate(cfg, CLI.Token.Create.Name); err != nil {
			fmt.Fprintf(os.Stderr, "token create failed: %v\n", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", CLI.Config)
	case "version":
		fmt.Printf("ando %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
