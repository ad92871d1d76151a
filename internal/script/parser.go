package script

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

// FileSource compiles the line-oriented build script format.
//
//	# comment
//	image mcr.microsoft.com/dotnet/sdk:8.0
//	secret NUGET_API_KEY
//	artifact reports/coverage.xml
//	step restore: dotnet restore
//	step "unit tests": dotnet test --no-restore [timeout=10m]
//
// One directive per line. Steps run in file order.
type FileSource struct {
	// DefaultImage is used when the script declares no image directive.
	DefaultImage string
}

func (s *FileSource) Compile(_ context.Context, path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return s.parse(path, raw)
}

// CompileBytes parses an in-memory script. path is only used in error
// messages.
func (s *FileSource) CompileBytes(path string, raw []byte) (*Plan, error) {
	return s.parse(path, raw)
}

func (s *FileSource) parse(path string, raw []byte) (*Plan, error) {
	plan := &Plan{Image: s.DefaultImage, Raw: raw}
	seenSteps := make(map[string]bool)
	seenSecrets := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch directive {
		case "image":
			if rest == "" {
				return nil, &ValidationError{Path: path, Line: lineno, Msg: "image directive needs an image reference"}
			}
			plan.Image = rest
		case "secret":
			if !model.SecretNamePattern.MatchString(rest) {
				return nil, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("invalid secret name %q", rest)}
			}
			if !seenSecrets[rest] {
				seenSecrets[rest] = true
				plan.Secrets = append(plan.Secrets, rest)
			}
		case "artifact":
			if rest == "" || strings.Contains(rest, "..") {
				return nil, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("invalid artifact path %q", rest)}
			}
			plan.Artifacts = append(plan.Artifacts, rest)
		case "step":
			step, err := parseStep(path, lineno, rest)
			if err != nil {
				return nil, err
			}
			if seenSteps[step.Name] {
				return nil, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("duplicate step name %q", step.Name)}
			}
			seenSteps[step.Name] = true
			plan.Steps = append(plan.Steps, step)
		default:
			return nil, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("unknown directive %q", directive)}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, &ValidationError{Path: path, Msg: "script declares no steps"}
	}
	return plan, nil
}

// parseStep handles `NAME: command args… [key=value …]`. The name may be
// quoted to contain spaces; a trailing bracketed group sets step options.
func parseStep(path string, lineno int, rest string) (Step, error) {
	name, cmdline, ok := cutStepName(rest)
	if !ok || name == "" {
		return Step{}, &ValidationError{Path: path, Line: lineno, Msg: "step directive needs `name: command`"}
	}

	cmdline, opts, err := splitOptions(cmdline)
	if err != nil {
		return Step{}, &ValidationError{Path: path, Line: lineno, Msg: err.Error()}
	}

	fields, err := tokenize(cmdline)
	if err != nil {
		return Step{}, &ValidationError{Path: path, Line: lineno, Msg: err.Error()}
	}
	if len(fields) == 0 {
		return Step{}, &ValidationError{Path: path, Line: lineno, Msg: "step has no command"}
	}

	step := Step{Name: name, Command: fields[0], Args: fields[1:]}
	for key, value := range opts {
		switch key {
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return Step{}, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("bad timeout %q", value)}
			}
			step.Timeout = d
		case "dir":
			step.Dir = value
		default:
			return Step{}, &ValidationError{Path: path, Line: lineno, Msg: fmt.Sprintf("unknown step option %q", key)}
		}
	}
	return step, nil
}

// cutStepName splits the step name from the command, honoring a quoted name.
func cutStepName(rest string) (name, cmdline string, ok bool) {
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return "", "", false
		}
		name = rest[1 : 1+end]
		remainder := strings.TrimSpace(rest[2+end:])
		if !strings.HasPrefix(remainder, ":") {
			return "", "", false
		}
		return name, strings.TrimSpace(remainder[1:]), true
	}
	name, cmdline, ok = strings.Cut(rest, ":")
	return strings.TrimSpace(name), strings.TrimSpace(cmdline), ok
}

// splitOptions strips a trailing `[key=value key=value]` group.
func splitOptions(cmdline string) (string, map[string]string, error) {
	if !strings.HasSuffix(cmdline, "]") {
		return cmdline, nil, nil
	}
	open := strings.LastIndex(cmdline, "[")
	if open < 0 {
		return "", nil, fmt.Errorf("unbalanced option bracket")
	}
	opts := make(map[string]string)
	for _, pair := range strings.Fields(cmdline[open+1 : len(cmdline)-1]) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return "", nil, fmt.Errorf("bad step option %q", pair)
		}
		opts[key] = value
	}
	return strings.TrimSpace(cmdline[:open]), opts, nil
}

// tokenize splits a command line on whitespace, keeping single- or
// double-quoted groups together. No escape sequences; quotes either wrap a
// whole token or are literal mid-token characters.
func tokenize(s string) ([]string, error) {
	var out []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				out = append(out, cur.String())
				cur.Reset()
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case (r == '"' || r == '\'') && cur.Len() == 0:
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return out, nil
}
