// Package gitclient checks out project sources for a build. Each build gets
// a fresh shallow-ish clone in a staging directory which is then copied into
// the warm container, so repository state never leaks between builds.
package gitclient

import (
	"context"
	"fmt"
	"log/slog"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/ando/internal/retry"
)

// Client clones repositories. Token may be empty for public repositories.
type Client struct {
	token  string
	logger *slog.Logger
}

func New(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{token: token, logger: logger}
}

// CheckoutSpec names what to fetch.
type CheckoutSpec struct {
	URL       string
	Branch    string
	CommitSHA string // 40-hex, or "HEAD" to stay on the branch tip
}

// Checkout clones spec.URL into dir and positions the worktree at the
// requested commit. "HEAD" leaves the clone at the branch tip.
func (c *Client) Checkout(ctx context.Context, spec CheckoutSpec, dir string) error {
	opts := &git.CloneOptions{
		URL:          spec.URL,
		SingleBranch: true,
	}
	if spec.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(spec.Branch)
	}
	if c.token != "" {
		// GitHub accepts any username with a token over HTTPS.
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		// Clones mostly fail on the network; auth failures burn through
		// the retry budget but stay loud in the build log either way.
		return retry.Transient(fmt.Errorf("clone %s: %w", spec.URL, err))
	}

	if spec.CommitSHA == "" || spec.CommitSHA == "HEAD" {
		return nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(spec.CommitSHA)}); err != nil {
		return fmt.Errorf("checkout %s: %w", spec.CommitSHA, err)
	}
	c.logger.Debug("checked out commit", slog.String("url", spec.URL), slog.String("sha", spec.CommitSHA))
	return nil
}
