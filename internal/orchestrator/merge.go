package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"codexwatch/internal/importer"
	"codexwatch/internal/models"
)

// mergeOne reconciles one parsed session against the repository.
// byPath is updated in place so later parses in the same pass see the
// result. Returns whether anything was written.
func (o *Orchestrator) mergeOne(ctx context.Context, ps *importer.ParsedSession, byPath map[string]*models.Session) (bool, error) {
	parsed := toMessages(ps)
	ent, exists := byPath[ps.SourcePath]

	if !exists {
		ent = &models.Session{
			SessionID:        ps.ID,
			SourcePath:       ps.SourcePath,
			SourceModTime:    ps.SourceModTime,
			SourceFileSize:   ps.SourceFileSize,
			LastParsedOffset: ps.LastParsedOffset,
			StartedAt:        ps.StartedAt,
			LastActivityAt:   ps.LastActivityAt,
			Title:            ps.Title,
			Cwd:              ps.Cwd,
			Preview:          ps.Preview,
		}
		if err := o.store.CreateSession(ctx, ent); err != nil {
			return false, fmt.Errorf("create session: %w", err)
		}
		if err := o.attachMessages(ctx, ent, parsed); err != nil {
			return false, err
		}
		byPath[ps.SourcePath] = ent
		if err := o.reconcileOutbox(ctx, ent, userTexts(parsed)); err != nil {
			return true, err
		}
		return true, nil
	}

	changed := false
	existing, err := o.store.ListMessages(ctx, ent.ID)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}

	var attached []*models.Message
	switch {
	case len(existing) == 0:
		attached = parsed
		if err := o.attachMessages(ctx, ent, parsed); err != nil {
			return false, err
		}
	case isPrefix(existing, parsed):
		attached = parsed[len(existing):]
		if err := o.attachMessages(ctx, ent, attached); err != nil {
			return false, err
		}
	default:
		// The stored transcript is not a prefix of what the file now
		// contains (truncated, rewritten, or only a tail window was
		// parsed): replace it wholesale.
		if _, err := o.store.DeleteMessages(ctx, ent.ID); err != nil {
			return false, fmt.Errorf("clear messages: %w", err)
		}
		attached = parsed
		if err := o.attachMessages(ctx, ent, parsed); err != nil {
			return false, err
		}
	}
	if len(attached) > 0 {
		changed = true
	}

	if applyScalars(ent, ps) {
		if err := o.store.UpdateSession(ctx, ent); err != nil {
			return changed, fmt.Errorf("update session: %w", err)
		}
		changed = true
	}

	if err := o.reconcileOutbox(ctx, ent, userTexts(attached)); err != nil {
		return changed, err
	}
	return changed, nil
}

func (o *Orchestrator) attachMessages(ctx context.Context, ent *models.Session, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		m.SessionID = ent.ID
	}
	if err := o.store.CreateMessages(ctx, msgs); err != nil {
		return fmt.Errorf("create messages: %w", err)
	}
	return nil
}

// reconcileOutbox deletes outbox entries whose text came back in the
// transcript: once the log echoes a sent message, the local copy is
// redundant. Each echo consumes at most one entry.
func (o *Orchestrator) reconcileOutbox(ctx context.Context, ent *models.Session, echoed []string) error {
	if len(echoed) == 0 {
		return nil
	}
	pending, err := o.store.ListOutgoingBySession(ctx, ent.ID)
	if err != nil {
		return fmt.Errorf("list outgoing: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	for _, text := range echoed {
		norm := strings.TrimSpace(text)
		for i, m := range pending {
			if m == nil {
				continue
			}
			if m.Status != models.OutgoingStatusPending && m.Status != models.OutgoingStatusSent {
				continue
			}
			if strings.TrimSpace(m.Text) != norm {
				continue
			}
			// Deleting an entry the outbox loop just finished is fine:
			// DeleteOutgoing treats a missing row as a no-op.
			if err := o.store.DeleteOutgoing(ctx, m.ID); err != nil {
				return fmt.Errorf("delete outgoing: %w", err)
			}
			pending[i] = nil
			break
		}
	}
	return nil
}

// isPrefix reports whether existing is a strict-or-equal prefix of
// parsed, comparing role and content position by position.
func isPrefix(existing, parsed []*models.Message) bool {
	if len(existing) > len(parsed) {
		return false
	}
	for i, m := range existing {
		if m.Role != parsed[i].Role || m.Content != parsed[i].Content {
			return false
		}
	}
	return true
}

// applyScalars copies changed scalar fields from the parse result onto
// the entity and reports whether any differed.
func applyScalars(ent *models.Session, ps *importer.ParsedSession) bool {
	changed := false
	if ent.SessionID != ps.ID {
		ent.SessionID = ps.ID
		changed = true
	}
	if !ent.SourceModTime.Equal(ps.SourceModTime) {
		ent.SourceModTime = ps.SourceModTime
		changed = true
	}
	if ent.SourceFileSize != ps.SourceFileSize {
		ent.SourceFileSize = ps.SourceFileSize
		changed = true
	}
	if ent.LastParsedOffset != ps.LastParsedOffset {
		ent.LastParsedOffset = ps.LastParsedOffset
		changed = true
	}
	if !ent.StartedAt.Equal(ps.StartedAt) {
		ent.StartedAt = ps.StartedAt
		changed = true
	}
	if !ent.LastActivityAt.Equal(ps.LastActivityAt) {
		ent.LastActivityAt = ps.LastActivityAt
		changed = true
	}
	if ent.Title != ps.Title {
		ent.Title = ps.Title
		changed = true
	}
	if ent.Cwd != ps.Cwd {
		ent.Cwd = ps.Cwd
		changed = true
	}
	if ent.Preview != ps.Preview {
		ent.Preview = ps.Preview
		changed = true
	}
	return changed
}

func toMessages(ps *importer.ParsedSession) []*models.Message {
	out := make([]*models.Message, 0, len(ps.Messages))
	for _, pm := range ps.Messages {
		out = append(out, &models.Message{
			Role:    pm.Role,
			Content: pm.Content,
			Ord:     pm.Ord,
		})
	}
	return out
}

func userTexts(msgs []*models.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}
