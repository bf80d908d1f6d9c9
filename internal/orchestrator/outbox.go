package orchestrator

import (
	"context"
	"time"

	"codexwatch/internal/models"
)

// outboxLoop drains pending outgoing messages on an adaptive interval:
// fast while there is work, slow once the outbox is empty.
func (o *Orchestrator) outboxLoop() {
	defer o.wg.Done()
	interval := o.cfg.OutboxFastPoll
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-time.After(interval):
		}
		found, err := o.drainOutbox(o.ctx)
		if err != nil {
			o.statusf("outbox: %v", err)
		}
		if found {
			interval = o.cfg.OutboxFastPoll
		} else {
			interval = o.cfg.OutboxSlowPoll
		}
	}
}

// DrainOnce sends every pending message and reports whether any were
// found, for one-shot CLI use.
func (o *Orchestrator) DrainOnce(ctx context.Context) (bool, error) {
	return o.drainOutbox(ctx)
}

// drainOutbox sends every pending message once. Each entry transitions
// pending -> sending -> sent or failed; a failed entry stays put with
// its error recorded and is not retried automatically.
func (o *Orchestrator) drainOutbox(ctx context.Context) (bool, error) {
	pending, err := o.store.ListOutgoingByStatus(ctx, []models.OutgoingStatus{models.OutgoingStatusPending})
	if err != nil {
		return false, err
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		m.Status = models.OutgoingStatusSending
		if err := o.store.UpdateOutgoing(ctx, m); err != nil {
			return true, err
		}

		// The CLI resumes by its own session identifier, not our entity
		// ID. A session that vanished mid-flight falls through with the
		// raw reference and the tool reports the failure.
		logicalID := m.SessionID
		cwd := m.Cwd
		if sess, err := o.store.GetSession(ctx, m.SessionID); err == nil {
			logicalID = sess.SessionID
			if cwd == "" {
				cwd = sess.Cwd
			}
		}

		sendErr := o.send.Send(ctx, logicalID, m.Text, cwd)
		if sendErr != nil {
			m.Status = models.OutgoingStatusFailed
			m.LastError = sendErr.Error()
			o.statusf("outbox send failed: %v", sendErr)
		} else {
			m.Status = models.OutgoingStatusSent
			m.LastError = ""
			// The sent text shows up in the log shortly; rescan soon so
			// the echo can retire this entry.
			o.scheduleRescan(o.cfg.Cooldown)
		}
		if err := o.store.UpdateOutgoing(ctx, m); err != nil {
			return true, err
		}
	}
	return len(pending) > 0, nil
}
