// Package orchestrator is the top-level controller of the import
// pipeline. It debounces filesystem events into rescans, runs the
// importer over every discovered log file within a global byte budget,
// reconciles the results against the session repository, and drains the
// outgoing-message outbox on an adaptive timer.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codexwatch/internal/importer"
	"codexwatch/internal/models"
	"codexwatch/internal/output"
	"codexwatch/internal/sender"
	"codexwatch/internal/store"
	"codexwatch/internal/watcher"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	Root            string
	ScanBudgetBytes int64 // total bytes parsed per rescan pass; 0 = unlimited
	Cooldown        time.Duration
	Debounce        time.Duration
	PollInterval    time.Duration
	OutboxFastPoll  time.Duration
	OutboxSlowPoll  time.Duration
	ForcePolling    bool
	StatusLog       bool
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 3 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 400 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.OutboxFastPoll <= 0 {
		c.OutboxFastPoll = 2 * time.Second
	}
	if c.OutboxSlowPoll <= 0 {
		c.OutboxSlowPoll = 15 * time.Second
	}
}

// Stats summarizes one rescan pass.
type Stats struct {
	Scanned   int
	Updated   int
	Skipped   int
	Pruned    int
	Errors    int
	BudgetHit bool
}

func (s Stats) String() string {
	return fmt.Sprintf("scanned=%d updated=%d skipped=%d pruned=%d errors=%d budget_hit=%v",
		s.Scanned, s.Updated, s.Skipped, s.Pruned, s.Errors, s.BudgetHit)
}

// Orchestrator coordinates rescans and outbox drains. The repository is
// only mutated from the rescan path (guarded by isScanning) and the
// outbox loop; file discovery and parsing happen on a worker goroutine
// that never touches the repository.
type Orchestrator struct {
	store store.Store
	imp   *importer.Importer
	send  sender.MessageSender
	ui    *output.UI
	cfg   Config

	mu            sync.Mutex
	isScanning    bool
	lastScanStart time.Time
	started       bool
	debounceTimer *time.Timer

	w      *watcher.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator. sender may be nil when outbox draining is
// not wanted (one-shot scans).
func New(st store.Store, imp *importer.Importer, snd sender.MessageSender, ui *output.UI, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{store: st, imp: imp, send: snd, ui: ui, cfg: cfg}
}

// Start begins watching and periodic work. A second call is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if !o.cfg.ForcePolling {
		o.w = watcher.New(o.cfg.Root, func(string) {
			o.scheduleRescan(o.cfg.Debounce)
		})
	}

	usePolling := o.cfg.ForcePolling || o.w == nil || !o.w.Active()
	if usePolling {
		o.statusf("native change notification unavailable, polling every %s", o.cfg.PollInterval)
		o.wg.Add(1)
		go o.pollLoop()
	}

	if o.send != nil {
		o.wg.Add(1)
		go o.outboxLoop()
	}

	// Initial pass picks up whatever accumulated while we weren't running.
	o.scheduleRescan(0)
}

// Stop cancels timers, the outbox loop and the filesystem watch. An
// in-flight rescan worker is not interrupted; its result is discarded.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if o.w != nil {
		o.w.Close()
	}
	o.wg.Wait()
}

// RescanNow schedules a debounced rescan. The cooldown still applies.
func (o *Orchestrator) RescanNow() {
	o.scheduleRescan(o.cfg.Debounce)
}

// scheduleRescan coalesces bursts of requests into a single rescan delay
// after the last one.
func (o *Orchestrator) scheduleRescan(delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(delay, func() {
		_, _ = o.Rescan(false)
	})
}

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			_, _ = o.Rescan(false)
		}
	}
}

// ForceRebuild discards every session entity and rescans from scratch,
// bypassing the cooldown.
func (o *Orchestrator) ForceRebuild(ctx context.Context) (*Stats, error) {
	return o.rescan(ctx, true, true)
}

// Rescan runs one full pass. It returns (nil, nil) when a pass is
// already running or when the cooldown has not elapsed (unless forced).
func (o *Orchestrator) Rescan(force bool) (*Stats, error) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return o.rescan(ctx, force, false)
}

// RescanOnce runs a single synchronous pass outside Start/Stop, for
// one-shot CLI use.
func (o *Orchestrator) RescanOnce(ctx context.Context, rebuild bool) (*Stats, error) {
	return o.rescan(ctx, true, rebuild)
}

type parsedBatch struct {
	sessions  []*importer.ParsedSession
	seen      map[string]bool
	scanned   int
	skipped   int
	errors    int
	budgetHit bool
}

// pathState is what a rescan needs to know about an existing entity to
// decide whether its file must be re-parsed.
type pathState struct {
	size         int64
	offset       int64
	needsRefresh bool
}

func (o *Orchestrator) rescan(ctx context.Context, force, rebuild bool) (*Stats, error) {
	o.mu.Lock()
	if o.isScanning {
		o.mu.Unlock()
		return nil, nil
	}
	if !force && time.Since(o.lastScanStart) < o.cfg.Cooldown {
		o.mu.Unlock()
		return nil, nil
	}
	o.isScanning = true
	o.lastScanStart = time.Now()
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.isScanning = false
		o.mu.Unlock()
	}()

	stats := &Stats{}

	// Snapshot the repository and collapse any duplicate entities that
	// share a source path before deciding what to re-parse.
	snapshot, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot sessions: %w", err)
	}
	byPath, err := o.collapseDuplicates(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	if rebuild {
		if _, err := o.store.DeleteAllSessions(ctx); err != nil {
			return nil, fmt.Errorf("rebuild: %w", err)
		}
		byPath = map[string]*models.Session{}
	}

	states := make(map[string]pathState, len(byPath))
	for path, ent := range byPath {
		states[path] = pathState{
			size:   ent.SourceFileSize,
			offset: ent.LastParsedOffset,
			// An empty preview means an earlier pass caught the file
			// mid-write; re-parse it even if the size is unchanged.
			needsRefresh: ent.Preview == "",
		}
	}

	// Discovery and parsing run on a worker that never touches the
	// repository; it hands back an immutable batch for merging.
	results := make(chan parsedBatch, 1)
	go func() {
		results <- o.discoverAndParse(states)
	}()

	var batch parsedBatch
	select {
	case <-ctx.Done():
		// The worker's result is discarded; a later rescan catches up.
		return nil, ctx.Err()
	case batch = <-results:
	}

	stats.Scanned = batch.scanned
	stats.Skipped = batch.skipped
	stats.Errors = batch.errors
	stats.BudgetHit = batch.budgetHit

	for _, ps := range batch.sessions {
		changed, err := o.mergeOne(ctx, ps, byPath)
		if err != nil {
			o.statusf("merge %s: %v", ps.SourcePath, err)
			stats.Errors++
			continue
		}
		if changed {
			stats.Updated++
		}
	}

	// Prune entities whose source file is gone. Skipped when the budget
	// stopped discovery early, because absence from the batch then proves
	// nothing.
	if !batch.budgetHit {
		for path, ent := range byPath {
			if batch.seen[path] {
				continue
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := o.store.DeleteSession(ctx, ent.ID); err == nil {
					stats.Pruned++
				}
			}
		}
	}

	if batch.budgetHit {
		// Drain the backlog incrementally instead of blocking one pass.
		o.scheduleRescan(o.cfg.Cooldown)
	}

	o.statusf("rescan: %s", stats)
	return stats, nil
}

// collapseDuplicates enforces at-most-one entity per source path; the
// newest SourceModTime wins, the rest are deleted.
func (o *Orchestrator) collapseDuplicates(ctx context.Context, snapshot []*models.Session) (map[string]*models.Session, error) {
	byPath := make(map[string]*models.Session, len(snapshot))
	for _, ent := range snapshot {
		prev, ok := byPath[ent.SourcePath]
		if !ok {
			byPath[ent.SourcePath] = ent
			continue
		}
		loser := ent
		if ent.SourceModTime.After(prev.SourceModTime) {
			byPath[ent.SourcePath] = ent
			loser = prev
		}
		if err := o.store.DeleteSession(ctx, loser.ID); err != nil {
			return nil, fmt.Errorf("collapse duplicate %s: %w", loser.SourcePath, err)
		}
	}
	return byPath, nil
}

// discoverAndParse walks the root for log files and parses every one
// whose size changed, within the remaining global budget.
func (o *Orchestrator) discoverAndParse(states map[string]pathState) parsedBatch {
	batch := parsedBatch{seen: make(map[string]bool)}
	remaining := o.cfg.ScanBudgetBytes

	filepath.WalkDir(o.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if batch.budgetHit {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		batch.scanned++
		batch.seen[path] = true

		// An offset short of the size means a budget stop left unparsed
		// bytes behind; the file must be drained even though its size has
		// not changed. Tail-mode parses end at the file size and skip.
		if st, ok := states[path]; ok && st.size == info.Size() &&
			st.offset >= info.Size() && !st.needsRefresh {
			batch.skipped++
			return nil
		}

		ps, err := o.imp.ParseSession(path, info.ModTime(), remaining)
		if err != nil {
			batch.errors++
			return nil
		}
		batch.sessions = append(batch.sessions, ps)

		if o.cfg.ScanBudgetBytes > 0 {
			remaining -= ps.ParsedBytes
			if ps.DidHitBudget || remaining <= 0 {
				batch.budgetHit = true
				return filepath.SkipAll
			}
		}
		return nil
	})

	return batch
}

func (o *Orchestrator) statusf(format string, a ...any) {
	if o.cfg.StatusLog && o.ui != nil {
		o.ui.Info(format, a...)
	}
}
