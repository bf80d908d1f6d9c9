// Package parsecache persists per-file parse state so a later run can
// resume a log file at the byte offset it already consumed instead of
// re-reading the whole file.
//
// Records are flat JSON files in a single cache directory, named by the
// SHA-256 of the source path. All failures are non-fatal by design: a
// missing or undecodable record is reported as a plain miss, which forces
// the caller into a full reparse.
package parsecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message is one conversation entry carried in a cache record.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Ord     int    `json:"ord"`
}

// Record is the resumable parse state for one source file.
type Record struct {
	SessionID           string    `json:"session_id"`
	SourcePath          string    `json:"source_path"`
	SourceModTime       time.Time `json:"source_mod_time"`
	SourceFileSize      int64     `json:"source_file_size"`
	LastParsedOffset    int64     `json:"last_parsed_offset"`
	LastParsedLineCount int       `json:"last_parsed_line_count"`
	StartedAt           time.Time `json:"started_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	Title               string    `json:"title"`
	Cwd                 string    `json:"cwd"`
	Preview             string    `json:"preview"`
	Messages            []Message `json:"messages"`
}

// Cache stores one record per source path under dir.
type Cache struct {
	dir string
}

// New creates a Cache rooted at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// keyFor hashes a source path into a flat, path-independent filename.
func (c *Cache) keyFor(sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

// Read returns the stored record for sourcePath, or nil if there is none
// or it cannot be decoded. Callers treat both cases as "no prior state".
func (c *Cache) Read(sourcePath string) *Record {
	data, err := os.ReadFile(c.keyFor(sourcePath))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

// Write persists rec for its SourcePath using an atomic replace: the
// record is written to a temp file in the cache directory and renamed
// over any previous record.
func (c *Cache) Write(rec *Record) error {
	if rec == nil || rec.SourcePath == "" {
		return errors.New("record missing source path")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache record: %w", err)
	}
	if err := os.Rename(tmpName, c.keyFor(rec.SourcePath)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache record: %w", err)
	}
	return nil
}

// Remove deletes the record for sourcePath, if any.
func (c *Cache) Remove(sourcePath string) {
	os.Remove(c.keyFor(sourcePath))
}
