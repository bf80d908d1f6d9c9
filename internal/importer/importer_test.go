package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codexwatch/internal/models"
	"codexwatch/internal/parsecache"
)

func newTestImporter(t *testing.T, opts Options) *Importer {
	t.Helper()
	cache, err := parsecache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return New(cache, opts)
}

func metaLine(id, ts, cwd string) string {
	return fmt.Sprintf(`{"type":"session_meta","timestamp":%q,"payload":{"id":%q,"timestamp":%q,"cwd":%q}}`, ts, id, ts, cwd)
}

func msgLine(ts, role, text string) string {
	part := "output_text"
	if role == "user" {
		part = "input_text"
	}
	return fmt.Sprintf(`{"type":"response_item","timestamp":%q,"payload":{"type":"message","role":%q,"content":[{"type":%q,"text":%q}]}}`, ts, role, part, text)
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
}

func mtimeOf(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}

func TestParseSession_FullParse(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-1.jsonl")
	writeLog(t, path,
		metaLine("sess-abc", "2026-03-01T10:00:00Z", "/work/proj"),
		msgLine("2026-03-01T10:00:05Z", "user", "hello"),
		msgLine("2026-03-01T10:00:09Z", "assistant", "hi there"),
	)

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	assert.Equal(t, "sess-abc", ps.ID)
	assert.Equal(t, "/work/proj", ps.Cwd)
	assert.Equal(t, "/work/proj", ps.Title)
	require.Len(t, ps.Messages, 2)
	assert.Equal(t, models.RoleUser, ps.Messages[0].Role)
	assert.Equal(t, "hello", ps.Messages[0].Content)
	assert.Equal(t, 0, ps.Messages[0].Ord)
	assert.Equal(t, models.RoleAssistant, ps.Messages[1].Role)
	assert.Equal(t, 1, ps.Messages[1].Ord)
	assert.Equal(t, "hi there", ps.Preview)
	assert.True(t, ps.StartedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, ps.LastActivityAt.Equal(time.Date(2026, 3, 1, 10, 0, 9, 0, time.UTC)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), ps.LastParsedOffset)
	assert.False(t, ps.DidHitBudget)
	assert.False(t, ps.DidUseTail)
}

func TestParseSession_ResumeAppendOnly(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-2.jsonl")
	writeLog(t, path,
		metaLine("sess-res", "2026-03-01T10:00:00Z", "/work"),
		msgLine("2026-03-01T10:00:05Z", "user", "first"),
	)

	first, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	require.Len(t, first.Messages, 1)
	firstBytes := first.ParsedBytes

	appendLog(t, path,
		msgLine("2026-03-01T10:01:00Z", "assistant", "second"),
		msgLine("2026-03-01T10:02:00Z", "user", "third"),
	)

	second, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	require.Len(t, second.Messages, 3)
	assert.Equal(t, "first", second.Messages[0].Content)
	assert.Equal(t, "second", second.Messages[1].Content)
	assert.Equal(t, "third", second.Messages[2].Content)
	assert.Equal(t, []int{0, 1, 2}, []int{second.Messages[0].Ord, second.Messages[1].Ord, second.Messages[2].Ord})

	// Only the appended bytes were read on the second pass.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), second.LastParsedOffset)
	assert.Equal(t, info.Size()-firstBytes, second.ParsedBytes)
	assert.Equal(t, "sess-res", second.ID)
}

func TestParseSession_BudgetStopsEarlyAndFollowUpFinishes(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-3.jsonl")

	lines := []string{metaLine("sess-b", "2026-03-01T10:00:00Z", "/w")}
	for i := 0; i < 20; i++ {
		lines = append(lines, msgLine("2026-03-01T10:00:05Z", "user", fmt.Sprintf("message number %d", i)))
	}
	writeLog(t, path, lines...)
	mtime := mtimeOf(t, path)

	budget := int64(300)
	first, err := imp.ParseSession(path, mtime, budget)
	require.NoError(t, err)
	assert.True(t, first.DidHitBudget)
	assert.Less(t, len(first.Messages), 20)

	// Overshoot is bounded by the single line that crossed the budget.
	maxLine := int64(len(lines[len(lines)-1]) + 1)
	assert.LessOrEqual(t, first.ParsedBytes, budget+maxLine)

	// Follow-up passes drain the remainder.
	var last *ParsedSession
	for i := 0; i < 50; i++ {
		last, err = imp.ParseSession(path, mtime, budget)
		require.NoError(t, err)
		if !last.DidHitBudget {
			break
		}
	}
	require.NotNil(t, last)
	assert.False(t, last.DidHitBudget)
	assert.Len(t, last.Messages, 20)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), last.LastParsedOffset)
}

func TestParseSession_TailMode(t *testing.T) {
	imp := newTestImporter(t, Options{
		TailThresholdBytes: 2048,
		TailBytes:          512,
		HeadBytes:          256,
	})
	path := filepath.Join(t.TempDir(), "rollout-4.jsonl")

	lines := []string{metaLine("sess-tail", "2026-03-01T09:00:00Z", "/big/proj")}
	for i := 0; i < 100; i++ {
		lines = append(lines, msgLine("2026-03-01T10:00:00Z", "assistant", fmt.Sprintf("bulk line %03d with some padding text", i)))
	}
	writeLog(t, path, lines...)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(2048))

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	assert.True(t, ps.DidUseTail)
	// Head probe recovered the session identity even though the tail
	// window does not contain the session_meta record.
	assert.Equal(t, "sess-tail", ps.ID)
	assert.Equal(t, "/big/proj", ps.Cwd)

	// Only the tail window was parsed into messages.
	assert.NotEmpty(t, ps.Messages)
	assert.LessOrEqual(t, ps.ParsedBytes, int64(512))
	assert.Equal(t, info.Size(), ps.LastParsedOffset)

	// The first tail message is a complete record, not a partial line.
	for _, m := range ps.Messages {
		assert.True(t, strings.HasPrefix(m.Content, "bulk line "), "unexpected content %q", m.Content)
	}
}

func TestParseSession_CorruptionGuardOnShrunkFile(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-5.jsonl")
	writeLog(t, path,
		metaLine("sess-c", "2026-03-01T10:00:00Z", "/w"),
		msgLine("2026-03-01T10:00:05Z", "user", "one"),
		msgLine("2026-03-01T10:00:06Z", "assistant", "two"),
	)
	_, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	// Rewrite the file shorter than the cached offset.
	writeLog(t, path, metaLine("sess-new", "2026-03-02T10:00:00Z", "/w2"))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-new", ps.ID)
	assert.Empty(t, ps.Messages)
	assert.Equal(t, "/w2", ps.Cwd)
}

func TestParseSession_BootstrapStripping(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-6.jsonl")
	writeLog(t, path,
		msgLine("2026-03-01T10:00:00Z", "user", "<ENVIRONMENT_CONTEXT> cwd=/x shell=zsh"),
		msgLine("2026-03-01T10:00:01Z", "user", "<user_instructions> be nice"),
		msgLine("2026-03-01T10:00:02Z", "user", "hello"),
		msgLine("2026-03-01T10:00:03Z", "assistant", "hi"),
	)

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	require.Len(t, ps.Messages, 2)
	assert.Equal(t, models.RoleUser, ps.Messages[0].Role)
	assert.Equal(t, "hello", ps.Messages[0].Content)
	assert.Equal(t, 0, ps.Messages[0].Ord)
	assert.Equal(t, "hi", ps.Messages[1].Content)
	assert.Equal(t, 1, ps.Messages[1].Ord)
}

func TestParseSession_OversizedLineSkipped(t *testing.T) {
	imp := newTestImporter(t, Options{MaxLineBytes: 256})
	path := filepath.Join(t.TempDir(), "rollout-7.jsonl")
	writeLog(t, path,
		msgLine("2026-03-01T10:00:00Z", "user", "before"),
		msgLine("2026-03-01T10:00:01Z", "assistant", strings.Repeat("A", 4096)),
		msgLine("2026-03-01T10:00:02Z", "user", "after"),
	)

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)

	require.Len(t, ps.Messages, 2)
	assert.Equal(t, "before", ps.Messages[0].Content)
	assert.Equal(t, "after", ps.Messages[1].Content)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), ps.LastParsedOffset)
}

func TestParseSession_MalformedAndUnknownLinesIgnored(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-8.jsonl")
	writeLog(t, path,
		"this is not json",
		`{"type":"turn_context","timestamp":"2026-03-01T10:00:00Z","payload":{}}`,
		`{"type":"response_item","timestamp":"2026-03-01T10:00:01Z","payload":{"type":"function_call","role":"assistant"}}`,
		`{"type":"response_item","timestamp":"2026-03-01T10:00:02Z","payload":{"type":"message","role":"system","content":"nope"}}`,
		msgLine("2026-03-01T10:00:03Z", "user", "real"),
		"",
	)

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, "real", ps.Messages[0].Content)
}

func TestParseSession_PlainStringContent(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-9.jsonl")
	writeLog(t, path,
		`{"type":"response_item","timestamp":"2026-03-01T10:00:00Z","payload":{"type":"message","role":"user","content":"  plain text  "}}`,
		`{"type":"response_item","timestamp":"2026-03-01T10:00:01Z","payload":{"type":"message","role":"assistant","content":"   "}}`,
	)

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, "plain text", ps.Messages[0].Content)
}

func TestParseSession_FallbackIDStableAcrossParses(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-10.jsonl")
	writeLog(t, path, msgLine("2026-03-01T10:00:00Z", "user", "no meta here"))

	first, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestParseSession_StaleCacheIgnored(t *testing.T) {
	cache, err := parsecache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	imp := New(cache, Options{})

	path := filepath.Join(t.TempDir(), "rollout-11.jsonl")
	writeLog(t, path, msgLine("2026-03-01T10:00:00Z", "user", "fresh"))

	// A cache record whose mod time is newer than the file means the file
	// was replaced; the record must be ignored.
	require.NoError(t, cache.Write(&parsecache.Record{
		SessionID:        "stale",
		SourcePath:       path,
		SourceModTime:    time.Now().Add(time.Hour),
		LastParsedOffset: 5,
		Messages:         []parsecache.Message{{Role: "user", Content: "old", Ord: 0}},
	}))

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, "fresh", ps.Messages[0].Content)
}

func TestParseSession_PreviewTruncated(t *testing.T) {
	imp := newTestImporter(t, Options{})
	path := filepath.Join(t.TempDir(), "rollout-12.jsonl")
	long := strings.Repeat("word ", 60)
	writeLog(t, path, msgLine("2026-03-01T10:00:00Z", "assistant", long))

	ps, err := imp.ParseSession(path, mtimeOf(t, path), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ps.Preview, "…"))
	assert.Len(t, []rune(ps.Preview), previewMaxLen+1)
	assert.NotContains(t, ps.Preview, "\n")
}

func TestParseSession_MissingFile(t *testing.T) {
	imp := newTestImporter(t, Options{})
	_, err := imp.ParseSession(filepath.Join(t.TempDir(), "gone.jsonl"), time.Now(), 0)
	assert.Error(t, err)
}
