// Package sender delivers outgoing messages to the external CLI tool.
package sender

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MessageSender dispatches one user-composed message to the external tool.
// Delivery is at-least-once; the caller tracks status and never retries
// automatically.
type MessageSender interface {
	Send(ctx context.Context, sessionID, text, workingDir string) error
}

// ExecSender delivers messages by invoking the external CLI binary, e.g.
// `codex exec resume <session-id> --cd <dir> <text>`. sessionID is the
// tool's own session identifier, so the reply lands in the session the
// message was composed for; without one a fresh session is started. The
// tool enforces its own timeout.
type ExecSender struct {
	Program string
}

// NewExecSender creates a sender for the given program.
func NewExecSender(program string) *ExecSender {
	return &ExecSender{Program: program}
}

// Send runs the external tool and waits for it to exit. A non-zero exit
// is reported with the tool's trailing output as context.
func (s *ExecSender) Send(ctx context.Context, sessionID, text, workingDir string) error {
	args := []string{"exec"}
	if sessionID != "" {
		args = append(args, "resume", sessionID)
	}
	if workingDir != "" {
		args = append(args, "--cd", workingDir)
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, s.Program, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 200 {
			detail = detail[len(detail)-200:]
		}
		if detail != "" {
			return fmt.Errorf("%s exec failed: %w: %s", s.Program, err, detail)
		}
		return fmt.Errorf("%s exec failed: %w", s.Program, err)
	}
	return nil
}
