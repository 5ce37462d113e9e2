package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteError(t *testing.T) {
	var typedNil *sqlite3.Error

	tests := []struct {
		name   string
		err    error
		substr string
		want   bool
	}{
		{"value form", fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint}), "constraint failed", true},
		{"pointer form", fmt.Errorf("insert: %w", &sqlite3.Error{Code: sqlite3.ErrConstraint}), "constraint failed", true},
		{"unrelated substring", fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint}), "no such table", false},
		{"typed nil pointer", typedNilError{typedNil}, "any", false},
		{"plain error", errors.New("some other error"), "error", false},
		{"nil", nil, "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteError(tt.err, tt.substr); got != tt.want {
				t.Errorf("isSQLiteError(%v, %q) = %v, want %v", tt.err, tt.substr, got, tt.want)
			}
		})
	}
}

// A driver failure keeps the sqlite error in the chain and is classified as
// a persistence error, not as one of the cache errors.
func TestDriverErrorIsPersistence(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	err = st.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.tx.Exec(`
			INSERT INTO query_item_overwrites (query_string, thread_id, kind, state)
			VALUES ('inbox', 't1', 'keyword', 'bogus')
		`)
		if err != nil {
			return fmt.Errorf("insert overwrite: %w", err)
		}
		return nil
	})
	if !isSQLiteError(err, "CHECK constraint failed") {
		t.Fatalf("err = %v, want CHECK constraint failure", err)
	}
	if got := KindOf(err); got != KindPersistence {
		t.Errorf("KindOf = %s, want persistence", got)
	}
}

// typedNilError lets errors.As extract a typed nil *sqlite3.Error.
type typedNilError struct {
	err *sqlite3.Error
}

func (e typedNilError) Error() string {
	return "typed nil error wrapper"
}

func (e typedNilError) As(target any) bool {
	if ptr, ok := target.(**sqlite3.Error); ok {
		*ptr = e.err
		return true
	}
	return false
}
