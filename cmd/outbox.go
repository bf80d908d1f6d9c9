package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"codexwatch/internal/models"
	"codexwatch/internal/output"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Queue and inspect outgoing messages",
	Long: `The outbox holds messages composed locally for delivery to the Codex
CLI. Queued entries are sent by the watcher (or 'outbox drain') and are
removed automatically once a rescan sees the CLI echo the text back
into the session log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxListRun(cmd.Context())
	},
}

var outboxAddCmd = &cobra.Command{
	Use:   "add <session> <text>...",
	Short: "Queue a message for a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxAddRun(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxListRun(cmd.Context())
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a failed entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxRetryRun(cmd.Context(), args[0])
	},
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send all pending entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return outboxDrainRun(cmd.Context())
	},
}

func init() {
	outboxCmd.AddCommand(outboxAddCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxDrainCmd)
	rootCmd.AddCommand(outboxCmd)
}

func outboxAddRun(ctx context.Context, ref, text string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sess, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message text is empty")
	}

	if dryRun {
		ui.DryRunMsg("Would queue for %s: %s", shortID(sess.ID), text)
		return nil
	}

	m := &models.OutgoingMessage{
		SessionID: sess.ID,
		Text:      text,
		Cwd:       sess.Cwd,
		Status:    models.OutgoingStatusPending,
	}
	if err := s.CreateOutgoing(ctx, m); err != nil {
		return err
	}
	ui.Success("queued %s for session %s", shortID(m.ID), shortID(sess.ID))
	return nil
}

func outboxListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	entries, err := s.ListOutgoing(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("outbox is empty")
		return nil
	}

	table := ui.Table([]string{"ID", "SESSION", "STATUS", "TEXT", "ERROR"})
	for _, m := range entries {
		table.Append([]string{
			shortID(m.ID),
			shortID(m.SessionID),
			output.StatusColor(string(m.Status)),
			truncate(m.Text, 40),
			truncate(m.LastError, 30),
		})
	}
	return table.Render()
}

func outboxRetryRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	entries, err := s.ListOutgoing(ctx)
	if err != nil {
		return err
	}

	var target *models.OutgoingMessage
	for _, m := range entries {
		if m.ID == ref || strings.HasPrefix(m.ID, ref) {
			if target != nil {
				return fmt.Errorf("ambiguous outbox entry: %s", ref)
			}
			target = m
		}
	}
	if target == nil {
		return fmt.Errorf("outbox entry not found: %s", ref)
	}
	if target.Status != models.OutgoingStatusFailed {
		return fmt.Errorf("entry %s is %s, only failed entries can be retried", shortID(target.ID), target.Status)
	}

	if dryRun {
		ui.DryRunMsg("Would re-queue %s", shortID(target.ID))
		return nil
	}

	target.Status = models.OutgoingStatusPending
	target.LastError = ""
	if err := s.UpdateOutgoing(ctx, target); err != nil {
		return err
	}
	ui.Success("re-queued %s", shortID(target.ID))
	return nil
}

func outboxDrainRun(ctx context.Context) error {
	orch, err := newOrchestrator(true)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	if dryRun {
		pending, err := dataStore.ListOutgoingByStatus(ctx, []models.OutgoingStatus{models.OutgoingStatusPending})
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would send %d pending entries", len(pending))
		return nil
	}

	found, err := orch.DrainOnce(ctx)
	if err != nil {
		return err
	}
	if !found {
		ui.Info("nothing pending")
		return nil
	}
	ui.Success("outbox drained")
	return nil
}
