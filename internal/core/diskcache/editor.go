package diskcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Editor writes one entry. Write the data, then call exactly one of Commit
// or Abort. Abort after Commit is a no-op, so `defer e.Abort()` is safe.
type Editor struct {
	cache   *Cache
	hash    string
	file    billy.File
	written int64
	done    bool
}

// Written returns the number of bytes written so far.
func (e *Editor) Written() int64 {
	return e.written
}

// Write appends to the pending entry.
func (e *Editor) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEditorClosed
	}
	n, err := e.file.Write(p)
	e.written += int64(n)
	return n, err
}

// Commit publishes the entry and updates the size accounting. The cache
// may evict older entries to stay under its limit.
func (e *Editor) Commit() error {
	if e.done {
		return ErrEditorClosed
	}
	e.done = true
	closeErr := e.file.Close()

	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.editors, e.hash)

	if c.closed {
		return ErrClosed
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		c.discardTmp(e.hash)
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	if err := c.fs.Rename(tmpName(e.hash), e.hash); err != nil {
		c.discardTmp(e.hash)
		return fmt.Errorf("publish entry: %w", err)
	}

	if old, ok := c.index.Peek(e.hash); ok {
		c.size -= old.length
		c.redundantOps++
	}
	c.index.Add(e.hash, &entry{hash: e.hash, length: e.written, accessed: time.Now()})
	c.size += e.written
	c.appendJournal(opClean, e.hash, e.written)

	c.trimToSize()
	c.compactIfNeeded()
	return nil
}

// Abort discards the pending entry without changing the size accounting.
func (e *Editor) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	_ = e.file.Close()

	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.editors, e.hash)
	if c.closed {
		return nil
	}
	c.discardTmp(e.hash)
	return nil
}

// discardTmp removes a temp file and closes the DIRTY record of the aborted
// edit. A key that is still committed gets its CLEAN record repeated so
// replay keeps the published entry. c.mu must be held.
func (c *Cache) discardTmp(hash string) {
	if err := c.fs.Remove(tmpName(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("[DISK-CACHE] failed to remove temp file",
			"hash", hash,
			"error", err,
		)
	}
	if e, ok := c.index.Peek(hash); ok {
		c.appendJournal(opClean, hash, e.length)
	} else {
		c.appendJournal(opRemove, hash)
	}
	c.redundantOps++
}

// Snapshot is a read handle on a committed entry.
type Snapshot struct {
	key    string
	file   billy.File
	length int64
}

// Key returns the entry key.
func (s *Snapshot) Key() string {
	return s.key
}

// Length returns the entry size in bytes.
func (s *Snapshot) Length() int64 {
	return s.length
}

// NewReader returns an independent reader over the whole entry.
func (s *Snapshot) NewReader() io.ReadSeeker {
	return io.NewSectionReader(s.file, 0, s.length)
}

// Close releases the file handle.
func (s *Snapshot) Close() error {
	return s.file.Close()
}
