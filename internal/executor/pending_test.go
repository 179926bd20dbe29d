package executor

import (
	"testing"

	"github.com/loopwire/conductor/internal/agentrunner"
)

func TestPendingStashLatestReplacesPrior(t *testing.T) {
	s := newPendingStash()
	s.stash("K1", PendingPrompt{Prompt: "first"})
	s.stash("K1", PendingPrompt{Prompt: "second"})

	p, ok := s.pop("K1")
	if !ok {
		t.Fatal("expected a stashed prompt")
	}
	if p.Prompt != "second" {
		t.Fatalf("expected latest stash to win, got %q", p.Prompt)
	}

	if _, ok := s.pop("K1"); ok {
		t.Fatal("expected pop to drain the stash")
	}
}

func TestPendingStashPopMissingKeyIsFalse(t *testing.T) {
	s := newPendingStash()
	if _, ok := s.pop("missing"); ok {
		t.Fatal("expected no stash for an unknown key")
	}
}

func TestClassifyRunnerError(t *testing.T) {
	cases := map[string]string{
		"":                                 "generic",
		"usage limit reached":              "usage_limit",
		"401 Unauthorized":                 "auth",
		"connection refused by host":       "network",
		"something totally unexpected":     "generic",
	}
	for input, want := range cases {
		if got := classifyRunnerError(input); got != want {
			t.Errorf("classifyRunnerError(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestToolPolicyForRoleViewerDeniesMutatingTools(t *testing.T) {
	policy := ToolPolicyForRole(RoleViewer, Config{})
	want := map[string]bool{"Write": true, "Edit": true, "Bash": true, "TodoWrite": true}
	for _, d := range policy.Disallowed {
		delete(want, d)
	}
	if len(want) != 0 {
		t.Fatalf("viewer policy missing disallows: %+v", want)
	}
}

func TestToolPolicyForRoleAdminUsesConfiguredPolicy(t *testing.T) {
	cfg := Config{AdminPolicy: agentrunner.ToolPolicy{Allowed: []string{"Write", "Bash"}}}
	policy := ToolPolicyForRole(RoleAdmin, cfg)
	if len(policy.Allowed) != 2 || policy.Allowed[0] != "Write" {
		t.Fatalf("expected admin policy to pass through configured allowlist, got %+v", policy)
	}
}
