package parsecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return c
}

func TestWriteAndRead_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	rec := &Record{
		SessionID:           "sess-1",
		SourcePath:          "/logs/2026/01/rollout-abc.jsonl",
		SourceModTime:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SourceFileSize:      2048,
		LastParsedOffset:    1024,
		LastParsedLineCount: 7,
		StartedAt:           time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
		LastActivityAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Title:               "/work/proj",
		Cwd:                 "/work/proj",
		Preview:             "hello…",
		Messages: []Message{
			{Role: "user", Content: "hello", Ord: 0},
			{Role: "assistant", Content: "hi", Ord: 1},
		},
	}
	require.NoError(t, c.Write(rec))

	got := c.Read(rec.SourcePath)
	require.NotNil(t, got)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.LastParsedOffset, got.LastParsedOffset)
	assert.Equal(t, rec.LastParsedLineCount, got.LastParsedLineCount)
	assert.True(t, rec.SourceModTime.Equal(got.SourceModTime))
	assert.Equal(t, rec.Messages, got.Messages)
}

func TestRead_MissIsNil(t *testing.T) {
	c := newTestCache(t)
	assert.Nil(t, c.Read("/no/such/file.jsonl"))
}

func TestRead_CorruptRecordIsMiss(t *testing.T) {
	c := newTestCache(t)
	rec := &Record{SourcePath: "/logs/a.jsonl"}
	require.NoError(t, c.Write(rec))

	// Corrupt the file in place; a decode failure must look like a miss.
	path := c.keyFor("/logs/a.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Nil(t, c.Read("/logs/a.jsonl"))
}

func TestWrite_ReplacesPrevious(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Write(&Record{SourcePath: "/logs/a.jsonl", LastParsedOffset: 10}))
	require.NoError(t, c.Write(&Record{SourcePath: "/logs/a.jsonl", LastParsedOffset: 20}))

	got := c.Read("/logs/a.jsonl")
	require.NotNil(t, got)
	assert.Equal(t, int64(20), got.LastParsedOffset)

	// No temp files left behind.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWrite_MissingSourcePath(t *testing.T) {
	c := newTestCache(t)
	assert.Error(t, c.Write(&Record{}))
}

func TestKeysAreFlatAndDistinct(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Write(&Record{SourcePath: "/a/b.jsonl"}))
	require.NoError(t, c.Write(&Record{SourcePath: "/a/c.jsonl"}))

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, ".json", filepath.Ext(e.Name()))
	}
}

func TestRemove(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Write(&Record{SourcePath: "/a/b.jsonl"}))
	c.Remove("/a/b.jsonl")
	assert.Nil(t, c.Read("/a/b.jsonl"))
}
