// Package diskcache is a journaled, size-bounded LRU store on a billy
// filesystem.
//
// Keys are hashed with MD5 so file names stay bounded. Each committed key
// maps to one data file next to a journal that records commits, removals and
// reads. The version given to Open is part of the store identity: opening a
// directory written with another version, or one whose journal is missing or
// unreadable, wipes the directory and starts empty.
//
// Writes go through an Editor and only become visible on Commit. Readers get
// a Snapshot holding an open file, so a snapshot stays readable even if its
// entry is evicted before the snapshot is closed. The cache serializes its
// own bookkeeping; callers that need read-while-write atomicity for a single
// key must hold their own per-key lock.
package diskcache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry struct {
	hash     string
	length   int64
	accessed time.Time
}

// Options configures a Cache.
type Options struct {
	// MaxSize is the byte limit for committed entries.
	MaxSize int64
	// Version identifies the store layout. Changing it discards all entries.
	Version int
	// Name labels log records, e.g. "download" or "result".
	Name   string
	Logger *slog.Logger
}

// Cache is a journaled LRU disk cache. Use Open to create one.
type Cache struct {
	fs      billy.Filesystem
	maxSize int64
	version int
	name    string
	logger  *slog.Logger

	mu           sync.Mutex
	index        *simplelru.LRU[string, *entry]
	size         int64
	editors      map[string]*Editor
	journal      billy.File
	redundantOps int
	closed       bool
}

// Open loads or creates a cache rooted at fs.
func Open(fs billy.Filesystem, opts Options) (*Cache, error) {
	if fs == nil {
		return nil, ErrNilFilesystem
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxSize, opts.MaxSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("cache", opts.Name)
	}
	index, err := simplelru.NewLRU[string, *entry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		fs:      fs,
		maxSize: opts.MaxSize,
		version: opts.Version,
		name:    opts.Name,
		logger:  logger,
		index:   index,
		editors: make(map[string]*Editor),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readJournal(); err != nil {
		if !errors.Is(err, errJournalMissing) {
			c.logger.Warn("[DISK-CACHE] journal unreadable, wiping cache", "error", err)
		}
		c.index.Purge()
		c.size = 0
		if err := c.wipe(); err != nil {
			return nil, err
		}
		if err := c.rebuildJournal(); err != nil {
			return nil, err
		}
	} else if err := c.openJournal(); err != nil {
		return nil, err
	}

	c.trimToSize()
	c.logger.Info("[DISK-CACHE] opened",
		"entries", c.index.Len(),
		"size_bytes", c.size,
		"max_size_bytes", c.maxSize,
		"version", c.version,
	)
	return c, nil
}

// HashKey returns the file name used for key.
func HashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Edit starts writing key. Only one editor may be open per key.
func (c *Cache) Edit(key string) (*Editor, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	hash := HashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, busy := c.editors[hash]; busy {
		return nil, ErrEditInProgress
	}
	f, err := c.fs.Create(tmpName(hash))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	c.appendJournal(opDirty, hash)

	e := &Editor{cache: c, hash: hash, file: f}
	c.editors[hash] = e
	return e, nil
}

// Get returns a snapshot of key. found is false when the key is not
// committed. The caller must close the snapshot.
func (c *Cache) Get(key string) (snap *Snapshot, found bool, err error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	hash := HashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	e, ok := c.index.Get(hash)
	if !ok {
		return nil, false, nil
	}
	f, err := c.fs.Open(hash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("[DISK-CACHE] data file vanished, dropping entry", "hash", hash)
			c.removeEntry(hash, e)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open %s: %w", hash, err)
	}
	e.accessed = time.Now()
	c.appendJournal(opRead, hash)
	c.redundantOps++
	c.compactIfNeeded()

	return &Snapshot{key: key, file: f, length: e.length}, true, nil
}

// Exist reports whether key is committed. It does not touch LRU order.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Contains(HashKey(key))
}

// Remove deletes a committed key. It reports whether the key existed.
func (c *Cache) Remove(key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	hash := HashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	e, ok := c.index.Peek(hash)
	if !ok {
		return false, nil
	}
	c.removeEntry(hash, e)
	c.compactIfNeeded()
	return true, nil
}

// removeEntry drops an entry from the index and disk. c.mu must be held.
func (c *Cache) removeEntry(hash string, e *entry) {
	c.index.Remove(hash)
	c.size -= e.length
	if err := c.fs.Remove(hash); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("[DISK-CACHE] failed to remove data file",
			"hash", hash,
			"error", err,
		)
	}
	c.appendJournal(opRemove, hash)
	c.redundantOps++
}

// trimToSize evicts least recently used entries until the size limit holds.
// c.mu must be held. Returns the number of evicted entries.
func (c *Cache) trimToSize() int {
	removed := 0
	for c.size > c.maxSize {
		hash, e, ok := c.index.GetOldest()
		if !ok {
			break
		}
		c.removeEntry(hash, e)
		removed++
		c.logger.Debug("[DISK-CACHE] evicted entry (LRU)",
			"hash", hash,
			"size_bytes", e.length,
		)
	}
	if removed > 0 {
		c.logger.Debug("[DISK-CACHE] LRU eviction completed",
			"entries_removed", removed,
			"new_size_bytes", c.size,
			"max_size_bytes", c.maxSize,
		)
	}
	return removed
}

// Clear removes every committed entry. Open editors are unaffected.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, hash := range c.index.Keys() {
		e, _ := c.index.Peek(hash)
		c.index.Remove(hash)
		c.size -= e.length
		if err := c.fs.Remove(hash); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", hash, err)
		}
	}
	c.size = 0
	return c.rebuildJournal()
}

// Size returns the bytes held by committed entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte limit.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Version returns the store version.
func (c *Cache) Version() int {
	return c.version
}

// Close flushes the journal. Open snapshots remain readable.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, e := range c.editors {
		_ = e.file.Close()
		_ = c.fs.Remove(tmpName(e.hash))
	}
	c.editors = map[string]*Editor{}
	if c.journal == nil {
		return nil
	}
	err := c.journal.Close()
	c.journal = nil
	return err
}

// ReadString is a convenience for small side entries.
func (c *Cache) ReadString(key string) (string, bool, error) {
	snap, ok, err := c.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	defer snap.Close()
	data, err := io.ReadAll(snap.NewReader())
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// WriteString stores a small side entry.
func (c *Cache) WriteString(key, value string) error {
	e, err := c.Edit(key)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(e, value); err != nil {
		_ = e.Abort()
		return err
	}
	return e.Commit()
}
