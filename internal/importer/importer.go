// Package importer turns a codex JSONL log file into a structured session.
// It resumes from cached byte offsets, tail-scans oversized files, and
// enforces per-invocation byte budgets so a single rescan pass stays cheap
// no matter how large the backlog is.
package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"codexwatch/internal/linescan"
	"codexwatch/internal/models"
	"codexwatch/internal/parsecache"
)

const previewMaxLen = 140

// bootstrapMarkers identify synthetic setup messages the external tool
// injects at the head of a session. A leading run of user messages
// containing any of these (case-insensitive) is not user conversation.
var bootstrapMarkers = []string{
	"<environment_context>",
	"<user_instructions>",
	"<turn_context>",
}

// ParsedMessage is one conversation entry in parse order.
type ParsedMessage struct {
	Role    models.MessageRole
	Content string
	Ord     int
}

// ParsedSession is the result of one ParseSession invocation.
// ParsedBytes, DidHitBudget and DidUseTail describe this invocation only
// and are not persisted.
type ParsedSession struct {
	ID               string
	SourcePath       string
	SourceModTime    time.Time
	SourceFileSize   int64
	LastParsedOffset int64
	StartedAt        time.Time
	LastActivityAt   time.Time
	Title            string
	Cwd              string
	Preview          string
	Messages         []ParsedMessage

	ParsedBytes  int64
	DidHitBudget bool
	DidUseTail   bool
}

// Options bound what a single parse may read.
type Options struct {
	MaxLineBytes int // lines larger than this are skipped as truncated

	// TailThresholdBytes enables tail scanning: files larger than this are
	// read only at the tail plus a small head probe. <= 0 disables it.
	TailThresholdBytes int64
	TailBytes          int64 // size of the tail window
	HeadBytes          int64 // size of the head window probed for metadata
}

// Importer parses session log files, consulting the parse-state cache to
// avoid re-reading committed bytes.
type Importer struct {
	cache *parsecache.Cache
	opts  Options
}

// New creates an Importer backed by cache.
func New(cache *parsecache.Cache, opts Options) *Importer {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 2 * 1024 * 1024
	}
	return &Importer{cache: cache, opts: opts}
}

// ParseSession parses the log file at path. mtime is the file's current
// modification time as observed by the caller. byteBudget, when positive,
// caps the bytes consumed by this invocation; the parse stops after the
// line that crosses it and reports DidHitBudget.
//
// An unreadable file returns an error; the caller treats the file as
// unchanged this round. Malformed lines are skipped, never fatal.
func (imp *Importer) ParseSession(path string, mtime time.Time, byteBudget int64) (*ParsedSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}
	fileSize := info.Size()

	ps := &ParsedSession{
		SourcePath:     path,
		SourceModTime:  mtime,
		SourceFileSize: fileSize,
	}

	var (
		startOffset int64
		orderNext   int
		lineCount   int
		incremental bool
	)

	// Resume from cached state when the file has only grown since the
	// cache record was written.
	rec := imp.cache.Read(path)
	if rec != nil && !rec.SourceModTime.After(mtime) &&
		rec.LastParsedOffset > 0 && rec.LastParsedOffset <= fileSize {
		ps.ID = rec.SessionID
		ps.StartedAt = rec.StartedAt
		ps.LastActivityAt = rec.LastActivityAt
		ps.Cwd = rec.Cwd
		for _, m := range rec.Messages {
			ps.Messages = append(ps.Messages, ParsedMessage{
				Role:    models.MessageRole(m.Role),
				Content: m.Content,
				Ord:     m.Ord,
			})
		}
		startOffset = rec.LastParsedOffset
		orderNext = len(ps.Messages)
		lineCount = rec.LastParsedLineCount
		incremental = true
	}

	// Oversized files are read tail-only: best-effort metadata from the
	// cache or a head probe, then just the last TailBytes of content.
	mustSkipPartial := false
	if imp.opts.TailThresholdBytes > 0 && fileSize > imp.opts.TailThresholdBytes {
		ps.DidUseTail = true
		ps.Messages = nil
		orderNext = 0
		incremental = false
		if rec != nil {
			ps.ID = rec.SessionID
			ps.StartedAt = rec.StartedAt
			ps.LastActivityAt = rec.LastActivityAt
			ps.Cwd = rec.Cwd
		} else {
			imp.headScan(f, ps)
		}
		startOffset = fileSize - imp.opts.TailBytes
		if startOffset < 0 {
			startOffset = 0
		}
		mustSkipPartial = startOffset > 0
	}

	// Corruption guard: a resume offset beyond the current size means the
	// file shrank or rotated; discard everything and reparse from zero.
	if startOffset > fileSize {
		ps.ID = ""
		ps.StartedAt = time.Time{}
		ps.LastActivityAt = time.Time{}
		ps.Cwd = ""
		ps.Messages = nil
		startOffset = 0
		orderNext = 0
		lineCount = 0
		incremental = false
		mustSkipPartial = false
	}

	if _, err := f.Seek(startOffset, 0); err != nil {
		return nil, fmt.Errorf("seek log: %w", err)
	}
	sc := linescan.NewScanner(f, startOffset, imp.opts.MaxLineBytes)
	if mustSkipPartial {
		sc.SkipPartialLine()
	}

	sawTimestamp := false
	lastEnd := sc.Offset()
	for sc.Scan() {
		line := sc.Line()
		lastEnd = line.EndOffset
		lineCount++

		if !line.Truncated && strings.TrimSpace(line.Text) != "" {
			if imp.consumeLine(line.Text, ps, &orderNext) {
				sawTimestamp = true
			}
		}

		if byteBudget > 0 && lastEnd-startOffset >= byteBudget {
			ps.DidHitBudget = true
			break
		}
	}

	ps.LastParsedOffset = lastEnd
	ps.ParsedBytes = lastEnd - startOffset

	if !incremental {
		ps.Messages = stripBootstrap(ps.Messages)
	}

	if ps.ID == "" {
		// No session_meta seen; derive a stable identifier from the path
		// so repeated parses agree.
		ps.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()
	}

	ps.Title = ps.Cwd
	if ps.Title == "" {
		ps.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	ps.Preview = makePreview(ps.Messages)

	// When this pass could not observe real activity (no timestamps, a
	// budget stop, or tail mode), fall back to the file mtime so sort
	// order stays sane.
	if (!sawTimestamp || ps.DidHitBudget || ps.DidUseTail) && mtime.After(ps.LastActivityAt) {
		ps.LastActivityAt = mtime
	}

	imp.writeCache(ps, lineCount)
	return ps, nil
}

// consumeLine decodes one JSONL record into ps. It reports whether the
// record carried a parseable timestamp.
func (imp *Importer) consumeLine(text string, ps *ParsedSession, orderNext *int) bool {
	var rec logRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return false
	}

	sawTS := false
	if ts := parseTimestamp(rec.Timestamp); !ts.IsZero() {
		sawTS = true
		if ts.After(ps.LastActivityAt) {
			ps.LastActivityAt = ts
		}
	}

	switch rec.Type {
	case "session_meta":
		var meta metaPayload
		if err := json.Unmarshal(rec.Payload, &meta); err != nil {
			return sawTS
		}
		if meta.ID != "" {
			ps.ID = meta.ID
		}
		if meta.Cwd != "" {
			ps.Cwd = meta.Cwd
		}
		if ts := parseTimestamp(meta.Timestamp); !ts.IsZero() {
			ps.StartedAt = ts
		}

	case "response_item":
		var item responsePayload
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return sawTS
		}
		if item.Type != "message" {
			return sawTS
		}
		role := models.MessageRole(item.Role)
		if role != models.RoleUser && role != models.RoleAssistant {
			return sawTS
		}
		text := messageText(item.Content)
		if text == "" {
			return sawTS
		}
		ps.Messages = append(ps.Messages, ParsedMessage{
			Role:    role,
			Content: text,
			Ord:     *orderNext,
		})
		*orderNext++
	}
	return sawTS
}

// headScan probes the first HeadBytes of the file for session_meta fields
// and the newest timestamp in that window. The read position is restored
// by the caller's subsequent Seek.
func (imp *Importer) headScan(f *os.File, ps *ParsedSession) {
	head := imp.opts.HeadBytes
	if head < 64*1024 {
		head = 64 * 1024
	}
	if _, err := f.Seek(0, 0); err != nil {
		return
	}
	sc := linescan.NewScanner(f, 0, imp.opts.MaxLineBytes)
	probe := &ParsedSession{}
	order := 0
	for sc.Scan() {
		line := sc.Line()
		if !line.Truncated && strings.TrimSpace(line.Text) != "" {
			imp.consumeLine(line.Text, probe, &order)
		}
		if line.EndOffset >= head {
			break
		}
	}
	// Only metadata survives the probe; any messages it collected are
	// discarded, tail mode rebuilds history from the tail window alone.
	ps.ID = probe.ID
	ps.Cwd = probe.Cwd
	ps.StartedAt = probe.StartedAt
	ps.LastActivityAt = probe.LastActivityAt
}

// stripBootstrap drops the leading run of user messages that match a
// bootstrap marker and renumbers the remainder from zero.
func stripBootstrap(msgs []ParsedMessage) []ParsedMessage {
	i := 0
	for i < len(msgs) && msgs[i].Role == models.RoleUser && isBootstrap(msgs[i].Content) {
		i++
	}
	if i == 0 {
		return msgs
	}
	out := make([]ParsedMessage, 0, len(msgs)-i)
	for ord, m := range msgs[i:] {
		m.Ord = ord
		out = append(out, m)
	}
	return out
}

func isBootstrap(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range bootstrapMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// makePreview single-lines the last message and truncates it.
func makePreview(msgs []ParsedMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	text := msgs[len(msgs)-1].Content
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > previewMaxLen {
		return string(runes[:previewMaxLen]) + "…"
	}
	return text
}

func (imp *Importer) writeCache(ps *ParsedSession, lineCount int) {
	rec := &parsecache.Record{
		SessionID:           ps.ID,
		SourcePath:          ps.SourcePath,
		SourceModTime:       ps.SourceModTime,
		SourceFileSize:      ps.SourceFileSize,
		LastParsedOffset:    ps.LastParsedOffset,
		LastParsedLineCount: lineCount,
		StartedAt:           ps.StartedAt,
		LastActivityAt:      ps.LastActivityAt,
		Title:               ps.Title,
		Cwd:                 ps.Cwd,
		Preview:             ps.Preview,
	}
	for _, m := range ps.Messages {
		rec.Messages = append(rec.Messages, parsecache.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Ord:     m.Ord,
		})
	}
	// Cache write failures only cost a future full reparse.
	_ = imp.cache.Write(rec)
}
