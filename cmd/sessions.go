package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codexwatch/internal/models"
	"codexwatch/internal/output"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and inspect imported sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("no sessions imported yet — run 'codexwatch scan' or 'codexwatch watch'")
		return nil
	}

	table := ui.Table([]string{"ID", "TITLE", "LAST ACTIVITY", "PREVIEW"})
	for _, sess := range sessions {
		table.Append([]string{
			shortID(sess.ID),
			truncate(sess.Title, 30),
			relativeTime(sess.LastActivityAt),
			truncate(sess.Preview, 50),
		})
	}
	return table.Render()
}

func sessionsShowRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}

	ui.Info("%s  %s", output.Cyan(sess.Title), sess.SourcePath)
	if !sess.StartedAt.IsZero() {
		ui.Info("started %s, last activity %s",
			sess.StartedAt.Local().Format(time.RFC822),
			relativeTime(sess.LastActivityAt))
	}
	fmt.Fprintln(ui.Out)

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		label := output.Green("assistant")
		if m.Role == models.RoleUser {
			label = output.Yellow("user")
		}
		fmt.Fprintf(ui.Out, "%s  %s\n\n", label, m.Content)
	}
	return nil
}

// resolveSession finds a session by entity ID, logical session ID, or a
// unique prefix of either.
func resolveSession(ctx context.Context, ref string) (*models.Session, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if sess.ID == ref || sess.SessionID == ref {
			return sess, nil
		}
		if strings.HasPrefix(sess.ID, ref) || strings.HasPrefix(sess.SessionID, ref) {
			matches = append(matches, sess)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("session not found: %s", ref)
	default:
		return nil, fmt.Errorf("ambiguous session %q matches %d sessions", ref, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// relativeTime renders a human-friendly age for listings.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("2006-01-02")
	}
}
