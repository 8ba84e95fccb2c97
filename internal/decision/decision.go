// Package decision renders filter verdicts into the JSON and exit code the
// host expects on stdout/stderr.
package decision

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/dgerlanc/tokenguard/internal/event"
)

// QuietAllow lets the call proceed without echoing anything.
const QuietAllow = `{"suppressOutput":true}`

// Exit codes.
const (
	ExitOK    = 0
	ExitBlock = 2
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Output is the hook response envelope.
type Output struct {
	SuppressOutput     bool            `json:"suppressOutput,omitempty"`
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
	ModifyOutput       *string         `json:"modifyOutput,omitempty"`
}

// SpecificOutput carries an event-specific decision.
type SpecificOutput struct {
	HookEventName            string             `json:"hookEventName"`
	PermissionDecision       string             `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string             `json:"permissionDecisionReason,omitempty"`
	Decision                 *PermissionVerdict `json:"decision,omitempty"`
}

// PermissionVerdict answers a permission request.
type PermissionVerdict struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// Decision is everything a filter emits.
type Decision struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// marshal is swapped in tests.
var marshal = json.Marshal

func render(o Output, log *slog.Logger) string {
	data, err := marshal(o)
	if err != nil {
		if log != nil {
			log.Debug("failed to marshal decision", "error", err)
		}
		return QuietAllow
	}
	return string(data)
}

// Allow is the quiet allow.
func Allow() Decision {
	return Decision{Stdout: QuietAllow}
}

// Deny blocks a tool call before it runs. The payload, not the exit code,
// carries the denial.
func Deny(reason string, log *slog.Logger) Decision {
	return Decision{Stdout: render(Output{
		HookSpecificOutput: &SpecificOutput{
			HookEventName:            event.HookPreToolUse,
			PermissionDecision:       BehaviorDeny,
			PermissionDecisionReason: reason,
		},
	}, log)}
}

// Permission answers a permission request with allow or deny.
func Permission(behavior, message string, log *slog.Logger) Decision {
	return Decision{Stdout: render(Output{
		HookSpecificOutput: &SpecificOutput{
			HookEventName: event.HookPermissionRequest,
			Decision:      &PermissionVerdict{Behavior: behavior, Message: message},
		},
	}, log)}
}

// Ask defers a permission request to the user.
func Ask() Decision { return Allow() }

// Block refuses a read with exit code 2 and a remediation message.
func Block(reason string) Decision {
	return Decision{Stderr: "Blocked: " + reason, ExitCode: ExitBlock}
}

// Pass exits 0 with no output.
func Pass() Decision { return Decision{} }

// Modify replaces a tool's output.
func Modify(text string, log *slog.Logger) Decision {
	return Decision{Stdout: render(Output{ModifyOutput: &text}, log)}
}

// Write emits d and returns its exit code.
func (d Decision) Write(stdout, stderr io.Writer) int {
	if d.Stdout != "" {
		fmt.Fprintln(stdout, d.Stdout)
	}
	if d.Stderr != "" {
		fmt.Fprintln(stderr, d.Stderr)
	}
	return d.ExitCode
}
