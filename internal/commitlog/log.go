// Package commitlog implements GoatDB's append-only per-repository log
// (component C1): newline-delimited canonical JSON commit records, a
// durability barrier on every append, and a tolerant forward-scanning
// cursor.
//
// The log is serialized behind a single worker goroutine per file — no
// teacher package owns a raw file this way (the teacher's storage
// backends are all SQL-driven), so the actor shape here generalizes the
// teacher's habit of hiding a shared mutable resource behind one
// synchronization point (seen as a mutex in internal/cache and
// internal/registry) to a channel, which is the natural fit for
// serializing I/O rather than read-heavy lookups.
package commitlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/goatdb/goatdb/internal/commit"
)

// ErrorKind classifies a StorageError per §4.1's failure model.
type ErrorKind uint8

const (
	ErrIO ErrorKind = iota
	ErrCorruption
	ErrPartialTail
)

// StorageError is returned by Log and Cursor operations.
type StorageError struct {
	Kind   ErrorKind
	Path   string
	Offset int64
	Cause  error
}

func (e *StorageError) Error() string {
	switch e.Kind {
	case ErrIO:
		return fmt.Sprintf("commitlog: I/O error on %s: %v", e.Path, e.Cause)
	case ErrCorruption:
		return fmt.Sprintf("commitlog: corrupted record in %s at offset %d: %v", e.Path, e.Offset, e.Cause)
	case ErrPartialTail:
		return fmt.Sprintf("commitlog: partial trailing record in %s at offset %d (discarded)", e.Path, e.Offset)
	default:
		return "commitlog: error"
	}
}

func (e *StorageError) Unwrap() error { return e.Cause }

var errClosed = errors.New("commitlog: log is closed")

type reqKind uint8

const (
	reqAppend reqKind = iota
	reqFlush
	reqClose
)

type request struct {
	kind    reqKind
	entries []*commit.Commit
	reply   chan error
}

// Log is an append-only, newline-delimited JSON commit log for one
// repository file.
type Log struct {
	path      string
	reqs      chan request
	done      chan struct{}
	closeOnce sync.Once
}

// Open creates the log file if absent and starts its worker goroutine.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StorageError{Kind: ErrIO, Path: path, Cause: err}
	}
	l := &Log{path: path, reqs: make(chan request), done: make(chan struct{})}
	go l.run(f)
	return l, nil
}

func (l *Log) run(f *os.File) {
	defer close(l.done)
	w := bufio.NewWriter(f)
	for req := range l.reqs {
		switch req.kind {
		case reqAppend:
			req.reply <- appendRecords(f, w, req.entries)
		case reqFlush:
			req.reply <- flushWriter(f, w)
		case reqClose:
			flushErr := flushWriter(f, w)
			closeErr := f.Close()
			if flushErr != nil {
				req.reply <- flushErr
			} else if closeErr != nil {
				req.reply <- &StorageError{Kind: ErrIO, Path: l.path, Cause: closeErr}
			} else {
				req.reply <- nil
			}
			return
		}
	}
}

func appendRecords(f *os.File, w *bufio.Writer, entries []*commit.Commit) error {
	for _, c := range entries {
		data, err := json.Marshal(c)
		if err != nil {
			return &StorageError{Kind: ErrIO, Path: f.Name(), Cause: err}
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			return &StorageError{Kind: ErrIO, Path: f.Name(), Cause: err}
		}
	}
	return flushWriter(f, w)
}

// flushWriter implements the durability barrier: drain the buffered
// writer, then fsync so a crash afterward can't lose the write.
func flushWriter(f *os.File, w *bufio.Writer) error {
	if err := w.Flush(); err != nil {
		return &StorageError{Kind: ErrIO, Path: f.Name(), Cause: err}
	}
	if err := f.Sync(); err != nil {
		return &StorageError{Kind: ErrIO, Path: f.Name(), Cause: err}
	}
	return nil
}

// Append writes entries and blocks until they are durable. Concurrent
// appends from multiple goroutines are serialized by the worker.
func (l *Log) Append(entries ...*commit.Commit) error {
	return l.do(request{kind: reqAppend, entries: entries})
}

// Flush forces any buffered data to stable storage.
func (l *Log) Flush() error {
	return l.do(request{kind: reqFlush})
}

// Close is idempotent: it flushes then releases the file handle.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.do(request{kind: reqClose})
	})
	return err
}

func (l *Log) do(req request) error {
	req.reply = make(chan error, 1)
	select {
	case l.reqs <- req:
	case <-l.done:
		return &StorageError{Kind: ErrIO, Path: l.path, Cause: errClosed}
	}
	return <-req.reply
}

// NewCursor opens an independent forward-scanning reader over the log.
// Cursors never contend with the writer: they open their own file
// descriptor, so an in-flight Append (behind the worker) is invisible
// until its durability barrier lands, at which point it's a plain
// readable byte range.
func (l *Log) NewCursor() (*Cursor, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, &StorageError{Kind: ErrIO, Path: l.path, Cause: err}
	}
	return &Cursor{path: l.path, f: f, r: bufio.NewReader(f)}, nil
}

// Cursor performs a forward scan of a log file, yielding batches of
// decoded commits. A corrupted interior record fails the scan with
// StorageError{Kind: ErrCorruption} carrying its byte offset; a
// partially-written trailing record (the crash-tolerance case) is never
// yielded or reported: its bytes are held back until a later Next reads
// the rest of the record, per §4.1.
type Cursor struct {
	path    string
	f       *os.File
	r       *bufio.Reader
	offset  int64
	pending []byte // bytes of a trailing record with no newline yet
}

// Next reads up to max records, or fewer if the cursor reaches the
// current end of file. terminal is true once no more bytes are
// available right now; callers scanning a log that may still grow can
// call Next again later.
func (c *Cursor) Next(max int) (batch []*commit.Commit, terminal bool, err error) {
	for len(batch) < max {
		line, readErr := c.r.ReadBytes('\n')
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return batch, true, &StorageError{Kind: ErrIO, Path: c.path, Offset: c.offset, Cause: readErr}
			}
			// EOF (possibly mid-record): tolerate a partial tail silently,
			// per the failure model — the caller sees whatever full
			// records were already decoded this call, and the partial
			// bytes wait for the rest of their record.
			c.pending = append(c.pending, line...)
			return batch, true, nil
		}
		if len(c.pending) > 0 {
			line = append(c.pending, line...)
			c.pending = nil
		}
		c.offset += int64(len(line))
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			continue
		}
		var cm commit.Commit
		if jsonErr := json.Unmarshal(trimmed, &cm); jsonErr != nil {
			return batch, false, &StorageError{
				Kind:   ErrCorruption,
				Path:   c.path,
				Offset: c.offset - int64(len(line)),
				Cause:  jsonErr,
			}
		}
		batch = append(batch, &cm)
	}
	return batch, false, nil
}

// Close releases the cursor's file descriptor.
func (c *Cursor) Close() error {
	return c.f.Close()
}

// WatchExternal notifies the returned channel whenever path is written,
// for picking up commits appended by another process sharing the same
// repository file on disk (distinct from network sync, which is
// internal/sync's concern). Call stop when done watching.
func WatchExternal(path string) (events <-chan struct{}, stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &StorageError{Kind: ErrIO, Path: path, Cause: err}
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, nil, &StorageError{Kind: ErrIO, Path: path, Cause: err}
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, w.Close, nil
}
