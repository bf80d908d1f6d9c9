// Package linescan reads newline-delimited records from an arbitrary byte
// offset while tracking exact end offsets, so a caller can resume a later
// read at the byte following the last fully consumed line.
package linescan

import (
	"bytes"
	"io"
)

const chunkSize = 64 * 1024

// Line is one newline-terminated record. EndOffset is the offset of the
// byte following the newline. A Truncated line exceeded the size limit;
// its Text is empty but EndOffset is still exact.
type Line struct {
	Text      string
	EndOffset int64
	Truncated bool
}

// Scanner yields lines from r, which must already be positioned at
// startOffset. Lines longer than maxLineBytes are discarded without being
// materialized: the scanner drops the buffered prefix, skips to the next
// newline, and emits a single Truncated entry so offsets stay aligned.
//
// A partial trailing record (EOF without a newline) is never emitted.
type Scanner struct {
	r          io.Reader
	offset     int64
	maxLine    int
	buf        []byte
	pending    []byte
	chunk      []byte
	discarding bool
	done       bool
	cur        Line
	err        error
}

// NewScanner creates a Scanner reading from r. startOffset is the file
// offset r is positioned at; it seeds end-offset accounting only, no
// seeking happens here.
func NewScanner(r io.Reader, startOffset int64, maxLineBytes int) *Scanner {
	return &Scanner{
		r:       r,
		offset:  startOffset,
		maxLine: maxLineBytes,
		chunk:   make([]byte, chunkSize),
	}
}

// Offset returns the offset of the next unconsumed byte.
func (s *Scanner) Offset() int64 { return s.offset }

// Line returns the last line produced by Scan.
func (s *Scanner) Line() Line { return s.cur }

// Err returns the first non-EOF read error encountered.
func (s *Scanner) Err() error { return s.err }

// Scan advances to the next line. It returns false at EOF or on a read
// error; check Err afterwards.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			part := s.pending[:i]
			s.pending = s.pending[i+1:]
			s.offset += int64(i + 1)

			if s.discarding || len(s.buf)+len(part) > s.maxLine {
				s.discarding = false
				s.buf = s.buf[:0]
				s.cur = Line{EndOffset: s.offset, Truncated: true}
				return true
			}
			s.buf = append(s.buf, part...)
			s.cur = Line{Text: string(s.buf), EndOffset: s.offset}
			s.buf = s.buf[:0]
			return true
		}

		// No newline buffered yet: fold pending into the line buffer
		// (or the discard state) and read another chunk.
		s.offset += int64(len(s.pending))
		if !s.discarding {
			if len(s.buf)+len(s.pending) > s.maxLine {
				s.buf = s.buf[:0]
				s.discarding = true
			} else {
				s.buf = append(s.buf, s.pending...)
			}
		}
		s.pending = nil

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending = s.chunk[:n]
		}
		if err != nil {
			if err != io.EOF {
				s.err = err
			}
			if n == 0 {
				// Whatever is left in buf is a partial trailing
				// record; it is dropped, and offset rewinds to the
				// end of the last complete line for the caller's
				// bookkeeping.
				s.offset -= int64(len(s.buf))
				s.buf = s.buf[:0]
				s.done = true
				return false
			}
		}
	}
}

// SkipPartialLine consumes bytes up to and including the next newline.
// Call it after seeking into the middle of a file (for example the start
// of a tail window) so the first Scan begins on a line boundary. It
// reports whether a newline was found before EOF.
func (s *Scanner) SkipPartialLine() bool {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			s.pending = s.pending[i+1:]
			s.offset += int64(i + 1)
			s.buf = s.buf[:0]
			s.discarding = false
			return true
		}
		s.offset += int64(len(s.pending))
		s.pending = nil

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending = s.chunk[:n]
		}
		if err != nil {
			if err != io.EOF {
				s.err = err
			}
			if n == 0 {
				s.done = true
				return false
			}
		}
	}
}
