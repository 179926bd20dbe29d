package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

const maxCommitsDisplayed = 10

// Notifier posts deploy lifecycle events to a Slack-compatible incoming
// webhook, grounded on original_source's notifier.py. Silent (a no-op) if
// no webhook URL is configured.
type Notifier struct {
	webhookURL string
	client     *http.Client
	log        *slog.Logger
}

func NewNotifier(webhookURL string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

func (n *Notifier) send(ctx context.Context, message string) {
	if n.webhookURL == "" {
		return
	}
	if err := n.post(ctx, message); err != nil {
		n.log.Warn("webhook send failed, retrying once", "error", err)
		time.Sleep(2 * time.Second)
		if err := n.post(ctx, message); err != nil {
			n.log.Error("webhook send failed after retry", "error", err)
		}
	}
}

func (n *Notifier) post(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// NotifyChangeDetected announces that the remote has new commits.
func (n *Notifier) NotifyChangeDetected(ctx context.Context, repoPath string) {
	commits := pendingCommits(ctx, repoPath, n.log)
	n.send(ctx, formatCommitMessage(":mag: *change detected*", commits))
}

// NotifyDeployStart announces a deploy is beginning.
func (n *Notifier) NotifyDeployStart(ctx context.Context, repoPath string) {
	commits := pendingCommits(ctx, repoPath, n.log)
	n.send(ctx, formatCommitMessage(":arrows_counterclockwise: *deploying update...*", commits))
}

// NotifyDeploySuccess announces a deploy completed.
func (n *Notifier) NotifyDeploySuccess(ctx context.Context) {
	n.send(ctx, ":white_check_mark: *update complete*")
}

// NotifyDeployFailure announces a deploy failed.
func (n *Notifier) NotifyDeployFailure(ctx context.Context, errText string) {
	msg := ":x: *update failed*"
	if errText != "" {
		msg += "\n```" + errText + "```"
	}
	n.send(ctx, msg)
}

// NotifyWaitingSessions announces the deployer is waiting for sessions to drain.
func (n *Notifier) NotifyWaitingSessions(ctx context.Context) {
	n.send(ctx, ":hourglass_flowing_sand: *waiting for active sessions before restart...*")
}

func formatCommitMessage(header string, commits []string) string {
	lines := []string{header}
	if len(commits) > 0 {
		lines = append(lines, "")
		display := commits
		if len(display) > maxCommitsDisplayed {
			display = display[:maxCommitsDisplayed]
		}
		for _, c := range display {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			hash, msg := c, ""
			if sp := strings.IndexByte(c, ' '); sp > 0 {
				hash, msg = c[:sp], strings.TrimSpace(c[sp+1:])
			}
			lines = append(lines, fmt.Sprintf("`%s` %s", hash, msg))
		}
		if overflow := len(commits) - maxCommitsDisplayed; overflow > 0 {
			lines = append(lines, fmt.Sprintf("... and %d more", overflow))
		}
	}
	return strings.Join(lines, "\n")
}

// pendingCommits lists HEAD..origin/<branch>-style pending commits as
// `git log --oneline` lines. Failures return an empty list, logged.
func pendingCommits(ctx context.Context, repoPath string, log *slog.Logger) []string {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "log", "--oneline", "--no-decorate", "HEAD..origin/main")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		log.Warn("pending commit list failed", "error", err)
		return nil
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
