package core

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// invocation is a fully resolved agent CLI command line.
type invocation struct {
	Command string
	Args    []string
}

// buildInvocation maps a tool type to the command line that runs one task
// through the tool's non-interactive JSON streaming mode. resumeToken, when
// set, continues the tool's previous conversation instead of opening a new
// one.
func buildInvocation(toolType, prompt, resumeToken string, readOnly bool) (invocation, error) {
	switch toolType {
	case "claude":
		args := []string{"--print", "--verbose", "--output-format", "stream-json"}
		if readOnly {
			args = append(args, "--permission-mode", "plan")
		}
		if resumeToken != "" {
			args = append(args, "--resume", resumeToken)
		}
		args = append(args, prompt)
		return invocation{Command: "claude", Args: args}, nil
	case "codex":
		args := []string{"exec", "--json"}
		if readOnly {
			args = append(args, "--sandbox", "read-only")
		}
		if resumeToken != "" {
			args = append(args, "resume", resumeToken)
		}
		args = append(args, prompt)
		return invocation{Command: "codex", Args: args}, nil
	case "gemini":
		args := []string{"--output-format", "json"}
		if resumeToken != "" {
			args = append(args, "--resume", resumeToken)
		}
		args = append(args, "--prompt", prompt)
		return invocation{Command: "gemini", Args: args}, nil
	default:
		return invocation{}, fmt.Errorf("unsupported tool type %q: %w", toolType, errdefs.ErrInvalidArgument)
	}
}

// synopsisInvocation builds the one-shot run that asks the tool for a short
// tab title. No resume token: the naming run must not pollute the tab's
// conversation.
func synopsisInvocation(toolType, taskText string) (invocation, error) {
	prompt := "Reply with only a 3-5 word title summarizing this task, no punctuation: " + taskText
	switch toolType {
	case "claude":
		return invocation{Command: "claude", Args: []string{"--print", prompt}}, nil
	case "codex":
		return invocation{Command: "codex", Args: []string{"exec", prompt}}, nil
	case "gemini":
		return invocation{Command: "gemini", Args: []string{"--prompt", prompt}}, nil
	default:
		return invocation{}, fmt.Errorf("unsupported tool type %q: %w", toolType, errdefs.ErrInvalidArgument)
	}
}
