package diskcache

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
)

// Journal layout:
//
//	lumen.diskcache
//	1
//	<cache version>
//
//	DIRTY <hash>
//	CLEAN <hash> <length>
//	REMOVE <hash>
//	READ <hash>
//
// DIRTY opens an edit, CLEAN publishes it, REMOVE drops an edit or an entry
// and READ records an access for LRU ordering. Replaying the records in
// order rebuilds the index.
const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"
	journalBkpFile = "journal.bkp"
	journalMagic   = "lumen.diskcache"
	journalFormat  = "1"

	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRemove = "REMOVE"
	opRead   = "READ"

	// compaction threshold for redundant journal records
	redundantOpCompactThreshold = 2000
)

func tmpName(hash string) string {
	return hash + ".tmp"
}

// readJournal replays the journal into the index. c.mu must be held.
func (c *Cache) readJournal() error {
	f, err := c.fs.Open(journalFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errJournalMissing
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	header := make([]string, 0, 4)
	for len(header) < 4 && scanner.Scan() {
		header = append(header, scanner.Text())
	}
	if len(header) < 4 {
		return fmt.Errorf("%w: short header", errJournalCorrupt)
	}
	if header[0] != journalMagic || header[1] != journalFormat ||
		header[2] != strconv.Itoa(c.version) || header[3] != "" {
		return fmt.Errorf("%w: unexpected header %q", errJournalCorrupt, header)
	}

	dirty := make(map[string]bool)
	lines := 0
	for scanner.Scan() {
		lines++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			return fmt.Errorf("%w: line %d", errJournalCorrupt, lines)
		}
		op, hash := fields[0], fields[1]
		switch op {
		case opDirty:
			dirty[hash] = true
		case opClean:
			if len(fields) != 3 {
				return fmt.Errorf("%w: line %d", errJournalCorrupt, lines)
			}
			length, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || length < 0 {
				return fmt.Errorf("%w: line %d: bad length", errJournalCorrupt, lines)
			}
			delete(dirty, hash)
			if old, ok := c.index.Peek(hash); ok {
				c.size -= old.length
			}
			c.index.Add(hash, &entry{hash: hash, length: length})
			c.size += length
		case opRemove:
			delete(dirty, hash)
			if old, ok := c.index.Peek(hash); ok {
				c.size -= old.length
				c.index.Remove(hash)
			}
		case opRead:
			c.index.Get(hash)
		default:
			return fmt.Errorf("%w: line %d: unknown op %q", errJournalCorrupt, lines, op)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", errJournalCorrupt, err)
	}

	// Edits that never finished leave temp files behind.
	for hash := range dirty {
		_ = c.fs.Remove(tmpName(hash))
	}

	// Drop entries whose data file is gone and pick up access times.
	for _, hash := range c.index.Keys() {
		e, _ := c.index.Peek(hash)
		info, err := c.fs.Stat(hash)
		if err != nil {
			c.logger.Warn("[DISK-CACHE] journal entry without data file, dropping",
				"hash", hash,
				"error", err,
			)
			c.index.Remove(hash)
			c.size -= e.length
			continue
		}
		e.accessed = info.ModTime()
	}

	c.redundantOps = lines - c.index.Len()
	return nil
}

// rebuildJournal writes a compact journal for the current index and
// reopens it for appending. c.mu must be held.
func (c *Cache) rebuildJournal() error {
	if c.journal != nil {
		_ = c.journal.Close()
		c.journal = nil
	}

	tmp, err := c.fs.Create(journalTmpFile)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%s\n%s\n%d\n\n", journalMagic, journalFormat, c.version)
	for hash := range c.editors {
		fmt.Fprintf(w, "%s %s\n", opDirty, hash)
	}
	for _, hash := range c.index.Keys() {
		e, _ := c.index.Peek(hash)
		fmt.Fprintf(w, "%s %s %d\n", opClean, hash, e.length)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	if _, err := c.fs.Stat(journalFile); err == nil {
		if err := c.fs.Rename(journalFile, journalBkpFile); err != nil {
			return fmt.Errorf("backup journal: %w", err)
		}
	}
	if err := c.fs.Rename(journalTmpFile, journalFile); err != nil {
		return fmt.Errorf("install journal: %w", err)
	}
	_ = c.fs.Remove(journalBkpFile)

	c.redundantOps = 0
	return c.openJournal()
}

func (c *Cache) openJournal() error {
	f, err := c.fs.OpenFile(journalFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	c.journal = f
	return nil
}

// appendJournal writes one record. Failures are logged: the index stays
// authoritative for this process and the next compaction rewrites the file.
// c.mu must be held.
func (c *Cache) appendJournal(op, hash string, length ...int64) {
	if c.journal == nil {
		return
	}
	var err error
	if len(length) > 0 {
		_, err = fmt.Fprintf(c.journal, "%s %s %d\n", op, hash, length[0])
	} else {
		_, err = fmt.Fprintf(c.journal, "%s %s\n", op, hash)
	}
	if err != nil {
		c.logger.Warn("[DISK-CACHE] failed to append journal record",
			"op", op,
			"hash", hash,
			"error", err,
		)
	}
}

// compactIfNeeded rebuilds the journal once redundant records dominate.
// c.mu must be held.
func (c *Cache) compactIfNeeded() {
	if c.redundantOps < redundantOpCompactThreshold || c.redundantOps < c.index.Len() {
		return
	}
	start := time.Now()
	if err := c.rebuildJournal(); err != nil {
		c.logger.Error("[DISK-CACHE] journal compaction failed", "error", err)
		return
	}
	c.logger.Debug("[DISK-CACHE] journal compacted",
		"entries", c.index.Len(),
		"duration", time.Since(start),
	)
}

// wipe deletes everything in the cache directory. c.mu must be held.
func (c *Cache) wipe() error {
	if c.journal != nil {
		_ = c.journal.Close()
		c.journal = nil
	}
	infos, err := c.fs.ReadDir(".")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("list cache dir: %w", err)
	}
	for _, info := range infos {
		if err := util.RemoveAll(c.fs, info.Name()); err != nil {
			return fmt.Errorf("remove %s: %w", info.Name(), err)
		}
	}
	c.index.Purge()
	c.size = 0
	c.redundantOps = 0
	return nil
}
