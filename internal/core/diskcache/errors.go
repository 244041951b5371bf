package diskcache

import "errors"

var (
	// ErrInvalidMaxSize is returned when the cache size limit is not positive
	ErrInvalidMaxSize = errors.New("disk cache max size must be positive")
	// ErrNilFilesystem is returned when Open is called without a filesystem
	ErrNilFilesystem = errors.New("disk cache filesystem cannot be nil")
	// ErrEmptyKey is returned for an empty cache key
	ErrEmptyKey = errors.New("cache key cannot be empty")
	// ErrEditInProgress is returned when a key already has an open editor
	ErrEditInProgress = errors.New("another edit is in progress for this key")
	// ErrEditorClosed is returned when an editor is used after commit or abort
	ErrEditorClosed = errors.New("editor already committed or aborted")
	// ErrClosed is returned when the cache has been closed
	ErrClosed = errors.New("disk cache is closed")

	errJournalMissing = errors.New("journal missing")
	errJournalCorrupt = errors.New("journal corrupt")
)
