package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 60 * time.Second

// GitPoller fetches a remote and compares local vs remote HEAD, grounded on
// original_source's GitPoller.
type GitPoller struct {
	repoPath string
	remote   string
	branch   string
	log      *slog.Logger

	LocalHead  string
	RemoteHead string
}

func NewGitPoller(repoPath, remote, branch string, log *slog.Logger) *GitPoller {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		branch = "main"
	}
	if log == nil {
		log = slog.Default()
	}
	return &GitPoller{repoPath: repoPath, remote: remote, branch: branch, log: log}
}

// Check fetches the remote and refreshes LocalHead/RemoteHead, returning
// whether they differ. Network failures are logged and treated as "no
// change" rather than propagated, matching the original's resilience.
func (g *GitPoller) Check(ctx context.Context) bool {
	if err := g.fetch(ctx); err != nil {
		g.log.Warn("git fetch failed, ignoring", "error", err)
		return false
	}

	local, err := g.revParse(ctx, "HEAD")
	if err != nil {
		g.log.Warn("git rev-parse HEAD failed", "error", err)
		return false
	}
	remote, err := g.revParse(ctx, g.remote+"/"+g.branch)
	if err != nil {
		g.log.Warn("git rev-parse remote failed", "error", err)
		return false
	}

	g.LocalHead = local
	g.RemoteHead = remote
	changed := local != remote
	if changed {
		g.log.Info("remote change detected", "local", shortHash(local), "remote", shortHash(remote))
	}
	return changed
}

// Reset clears the cached heads.
func (g *GitPoller) Reset() {
	g.LocalHead = ""
	g.RemoteHead = ""
}

func (g *GitPoller) fetch(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "fetch", g.remote, g.branch)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git fetch: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *GitPoller) revParse(ctx context.Context, ref string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "rev-parse", ref)
	cmd.Dir = g.repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
