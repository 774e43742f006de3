package core

import (
	"strings"
	"testing"

	"github.com/avoss/crewdeck/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		detail      string
		exitCode    int
		wantKind    domain.AgentErrorKind
		recoverable bool
	}{
		{"invalid key", "API Error: Invalid API key provided", 1, domain.ErrorAuthExpired, true},
		{"auth", "authentication failed, please log in again", 0, domain.ErrorAuthExpired, true},
		{"credits", "Your credit balance is too low", 1, domain.ErrorAuthExpired, true},
		{"http 401", "request failed with status 401", 1, domain.ErrorAuthExpired, true},
		{"rate limit", "Rate limit exceeded, retry later", 0, domain.ErrorRateLimited, true},
		{"overloaded", "upstream overloaded_error", 1, domain.ErrorRateLimited, true},
		{"http 429", "status 429 too many requests", 1, domain.ErrorRateLimited, true},
		{"crash", "segmentation fault", 139, domain.ErrorCrashed, false},
		{"dirty exit no text", "", 2, domain.ErrorCrashed, false},
		{"unknown error line", "something unexpected happened", 0, domain.ErrorUnclassified, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.detail, tt.exitCode)
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
			if got.Detail != tt.detail {
				t.Errorf("detail not preserved: %q", got.Detail)
			}
		})
	}
}

func TestBuildInvocation(t *testing.T) {
	inv, err := buildInvocation("claude", "do the thing", "", false)
	if err != nil {
		t.Fatalf("buildInvocation: %v", err)
	}
	if inv.Command != "claude" {
		t.Fatalf("command = %q", inv.Command)
	}
	want := []string{"--print", "--verbose", "--output-format", "stream-json", "do the thing"}
	if len(inv.Args) != len(want) {
		t.Fatalf("args = %v", inv.Args)
	}
	for i := range want {
		if inv.Args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, inv.Args[i], want[i])
		}
	}

	inv, err = buildInvocation("claude", "more", "sess-1", true)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(inv.Args, " ")
	for _, frag := range []string{"--resume sess-1", "--permission-mode plan"} {
		if !strings.Contains(joined, frag) {
			t.Errorf("args missing %q: %v", frag, inv.Args)
		}
	}

	if _, err := buildInvocation("sourcegraph-cody", "x", "", false); err == nil {
		t.Fatal("unknown tool should error")
	}
}
