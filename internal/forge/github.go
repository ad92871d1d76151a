// Package forge talks to the source forge's REST API. The controller only
// needs a narrow slice of it: resolving branch heads and checking that an
// installation can see a repository.
package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"git.home.luguber.info/inful/ando/internal/retry"
)

// Client resolves repository state from the forge.
type Client interface {
	// ResolveHead returns the commit SHA at the tip of branch.
	ResolveHead(ctx context.Context, owner, repo, branch string) (string, error)
	// CheckAccess verifies the configured credentials can read the repository.
	CheckAccess(ctx context.Context, owner, repo string) error
	// FetchFile returns the raw contents of one file at the given ref.
	FetchFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// GitHub implements Client against the GitHub REST API. Calls run through a
// circuit breaker so a flaking API fails fast instead of stalling every
// manual trigger behind full HTTP timeouts.
type GitHub struct {
	httpClient *http.Client
	apiURL     string
	token      string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewGitHub returns a GitHub client. apiURL is overridable for GitHub
// Enterprise and tests; empty means the public API.
func NewGitHub(apiURL, token string, logger *slog.Logger) *GitHub {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiURL:     apiURL,
		token:      token,
		logger:     logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "github-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("forge circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

type branchResponse struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (g *GitHub) ResolveHead(ctx context.Context, owner, repo, branch string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches/%s",
		g.apiURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(branch))

	out, err := g.breaker.Execute(func() (any, error) {
		var br branchResponse
		if err := g.getJSON(ctx, endpoint, &br); err != nil {
			return nil, err
		}
		return br.Commit.SHA, nil
	})
	if err != nil {
		return "", err
	}
	sha := out.(string)
	if sha == "" {
		return "", fmt.Errorf("branch %s/%s@%s has no head commit", owner, repo, branch)
	}
	return sha, nil
}

func (g *GitHub) CheckAccess(ctx context.Context, owner, repo string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/%s", g.apiURL, url.PathEscape(owner), url.PathEscape(repo))
	_, err := g.breaker.Execute(func() (any, error) {
		var repoBody struct {
			FullName string `json:"full_name"`
		}
		return nil, g.getJSON(ctx, endpoint, &repoBody)
	})
	return err
}

// FetchFile reads one file through the contents API. Used to detect a
// project's declared secrets without a full checkout.
func (g *GitHub) FetchFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		g.apiURL, url.PathEscape(owner), url.PathEscape(repo), path)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	out, err := g.breaker.Execute(func() (any, error) {
		var body struct {
			Encoding string `json:"encoding"`
			Content  string `json:"content"`
		}
		if err := g.getJSON(ctx, endpoint, &body); err != nil {
			return nil, err
		}
		if body.Encoding != "base64" {
			return nil, fmt.Errorf("unexpected content encoding %q", body.Encoding)
		}
		// GitHub wraps the base64 payload in newlines.
		return base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (g *GitHub) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("forge request: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("forge request %s: status %d: %s", endpoint, resp.StatusCode, string(body))
		// 5xx is the forge's problem, not ours; 4xx means the request
		// itself is wrong and no retry will fix it.
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.Transient(err)
		}
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
