package store

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Domain errors. They are returned from inside the transaction that is then
// rolled back, so the store is left exactly as it was before the call.
var (
	// ErrCacheConflict means the caller's baseline is stale. Discard the
	// in-flight diff and fetch again.
	ErrCacheConflict = eris.New("cache conflict")

	// ErrCorruptCache means an invariant the store maintains itself was
	// violated. Retrying reproduces it.
	ErrCorruptCache = eris.New("corrupt cache")

	// ErrNotSynchronized means an incremental operation was requested on
	// state that was never established. Fall back to a full fetch.
	ErrNotSynchronized = eris.New("not synchronized")
)

// Kind classifies an error returned by the store or the cache engine.
type Kind int

const (
	KindNone Kind = iota
	KindConflict
	KindCorrupt
	KindNotSynchronized
	// KindPersistence covers read/write failures of the database itself.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConflict:
		return "conflict"
	case KindCorrupt:
		return "corrupt"
	case KindNotSynchronized:
		return "not_synchronized"
	default:
		return "persistence"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCorruptCache):
		return KindCorrupt
	case errors.Is(err, ErrCacheConflict):
		return KindConflict
	case errors.Is(err, ErrNotSynchronized):
		return KindNotSynchronized
	default:
		return KindPersistence
	}
}

func conflictf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrCacheConflict, format, args...)
}

func corruptf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrCorruptCache, format, args...)
}

func notSynchronizedf(format string, args ...interface{}) error {
	return eris.Wrapf(ErrNotSynchronized, format, args...)
}
