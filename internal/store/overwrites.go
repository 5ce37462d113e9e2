package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"golang.org/x/text/cases"
)

// OverwriteKind is the kind of local mutation a query-item overwrite
// stands in for.
type OverwriteKind string

const (
	KindKeyword OverwriteKind = "keyword"
	KindMailbox OverwriteKind = "mailbox"
	KindSearch  OverwriteKind = "search"
	KindOther   OverwriteKind = "other"
)

// Valid reports whether k is a known kind.
func (k OverwriteKind) Valid() bool {
	switch k {
	case KindKeyword, KindMailbox, KindSearch, KindOther:
		return true
	}
	return false
}

// OverwriteState is the lifecycle of a query-item overwrite:
// Active -> Executed -> Deleted. Executed rows still hide their thread
// until the next refresh of the query deletes them.
type OverwriteState string

const (
	OverwriteActive   OverwriteState = "active"
	OverwriteExecuted OverwriteState = "executed"
	// OverwriteDeleted is terminal and never stored.
	OverwriteDeleted OverwriteState = "deleted"
)

// predecessor returns the only state that may transition into s.
func (s OverwriteState) predecessor() (OverwriteState, bool) {
	switch s {
	case OverwriteExecuted:
		return OverwriteActive, true
	case OverwriteDeleted:
		return OverwriteExecuted, true
	}
	return "", false
}

// CanTransition reports whether an overwrite in state s may move to next.
func (s OverwriteState) CanTransition(next OverwriteState) bool {
	from, ok := next.predecessor()
	return ok && from == s
}

// Selector names a mailbox by role or, for labels, by name.
type Selector struct {
	Role  string
	Label string
}

var fold = cases.Fold()

// RoleSelector selects the mailbox with the given role.
func RoleSelector(role string) Selector {
	return Selector{Role: strings.ToLower(strings.TrimSpace(role))}
}

// LabelSelector selects the role-less mailbox with the given name.
func LabelSelector(name string) Selector {
	return Selector{Label: fold.String(strings.TrimSpace(name))}
}

var knownRoles = map[string]bool{
	jmap.RoleInbox: true, jmap.RoleArchive: true, jmap.RoleDrafts: true,
	jmap.RoleFlagged: true, jmap.RoleImportant: true, jmap.RoleJunk: true,
	jmap.RoleSent: true, jmap.RoleTrash: true, jmap.RoleAll: true,
}

// ParseSelector parses "role:<role>", "label:<name>", or a bare name. A bare
// name that matches a well-known role, in any case, selects that role.
func ParseSelector(s string) (Selector, error) {
	switch {
	case strings.HasPrefix(s, "role:"):
		sel := RoleSelector(strings.TrimPrefix(s, "role:"))
		if sel.Role == "" {
			return Selector{}, fmt.Errorf("empty role in selector %q", s)
		}
		return sel, nil
	case strings.HasPrefix(s, "label:"):
		sel := LabelSelector(strings.TrimPrefix(s, "label:"))
		if sel.Label == "" {
			return Selector{}, fmt.Errorf("empty label in selector %q", s)
		}
		return sel, nil
	}
	if strings.TrimSpace(s) == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	if role := strings.ToLower(strings.TrimSpace(s)); knownRoles[role] {
		return RoleSelector(role), nil
	}
	return LabelSelector(s), nil
}

// MustParseSelector is ParseSelector for literals.
func MustParseSelector(s string) Selector {
	sel, err := ParseSelector(s)
	if err != nil {
		panic(err)
	}
	return sel
}

func (s Selector) String() string {
	if s.Role != "" {
		return "role:" + s.Role
	}
	return "label:" + s.Label
}

// MarshalText implements encoding.TextMarshaler.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Selector) UnmarshalText(b []byte) error {
	sel, err := ParseSelector(string(b))
	if err != nil {
		return err
	}
	*s = sel
	return nil
}

// Matches reports whether m is the mailbox s selects.
func (s Selector) Matches(m jmap.Mailbox) bool {
	if s.Role != "" {
		return strings.EqualFold(m.Role, s.Role)
	}
	return m.Role == "" && fold.String(m.Name) == s.Label
}

// QueryItemOverwrite hides a thread from a query's rendered list.
type QueryItemOverwrite struct {
	QueryString string
	ThreadID    string
	Kind        OverwriteKind
	State       OverwriteState
}

// SetKeywordOverwrite records that keyword on threadID reads as value.
func (tx *Tx) SetKeywordOverwrite(threadID, keyword string, value bool) error {
	keyword = jmap.CanonicalKeyword(keyword)
	if threadID == "" || keyword == "" {
		return fmt.Errorf("keyword overwrite needs a thread and a keyword")
	}
	_, err := tx.tx.Exec(`
		INSERT INTO keyword_overwrites (thread_id, keyword, value) VALUES (?, ?, ?)
		ON CONFLICT(thread_id, keyword) DO UPDATE SET value = excluded.value
	`, threadID, keyword, value)
	if err != nil {
		return fmt.Errorf("set keyword overwrite: %w", err)
	}
	return nil
}

// SetMailboxOverwrite records that threadID reads as (not) in the mailbox
// sel selects.
func (tx *Tx) SetMailboxOverwrite(threadID string, sel Selector, value bool) error {
	if threadID == "" || (sel.Role == "" && sel.Label == "") {
		return fmt.Errorf("mailbox overwrite needs a thread and a selector")
	}
	_, err := tx.tx.Exec(`
		INSERT INTO mailbox_overwrites (thread_id, selector, value) VALUES (?, ?, ?)
		ON CONFLICT(thread_id, selector) DO UPDATE SET value = excluded.value
	`, threadID, sel.String(), value)
	if err != nil {
		return fmt.Errorf("set mailbox overwrite: %w", err)
	}
	return nil
}

// SetQueryItemOverwrite hides threadID from query. An existing row is reset
// to active with the new kind.
func (tx *Tx) SetQueryItemOverwrite(query, threadID string, kind OverwriteKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown overwrite kind %q", kind)
	}
	_, err := tx.tx.Exec(`
		INSERT INTO query_item_overwrites (query_string, thread_id, kind, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(query_string, thread_id) DO UPDATE SET kind = excluded.kind, state = excluded.state
	`, query, threadID, kind, OverwriteActive)
	if err != nil {
		return fmt.Errorf("set query item overwrite: %w", err)
	}
	return nil
}

// advanceQueryItemOverwrites moves every matching row that is in the
// predecessor state of next into next.
func (tx *Tx) advanceQueryItemOverwrites(next OverwriteState, where string, args ...interface{}) (int64, error) {
	from, ok := next.predecessor()
	if !ok {
		return 0, fmt.Errorf("no transition into overwrite state %q", next)
	}
	var stmt string
	var all []interface{}
	if next == OverwriteDeleted {
		stmt = `DELETE FROM query_item_overwrites WHERE state = ? AND ` + where
		all = append([]interface{}{from}, args...)
	} else {
		stmt = `UPDATE query_item_overwrites SET state = ? WHERE state = ? AND ` + where
		all = append([]interface{}{next, from}, args...)
	}
	res, err := tx.tx.Exec(stmt, all...)
	if err != nil {
		return 0, fmt.Errorf("move query item overwrites to %s: %w", next, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("move query item overwrites to %s: %w", next, err)
	}
	return n, nil
}

func (tx *Tx) markQueryItemOverwriteExecuted(query, threadID string) error {
	_, err := tx.advanceQueryItemOverwrites(OverwriteExecuted, `query_string = ? AND thread_id = ?`, query, threadID)
	return err
}

// ClearForKeywordChange runs once a keyword mutation of threadID has
// round-tripped: its keyword overwrites are deleted and all its query-item
// overwrites are marked executed.
func (tx *Tx) ClearForKeywordChange(threadID string) error {
	if _, err := tx.tx.Exec(`DELETE FROM keyword_overwrites WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear keyword overwrites: %w", err)
	}
	_, err := tx.advanceQueryItemOverwrites(OverwriteExecuted, `thread_id = ?`, threadID)
	return err
}

// ClearForMailboxChange runs once a mailbox mutation of threadID has
// round-tripped: its mailbox overwrites are deleted and its mailbox-kind
// query-item overwrites are marked executed.
func (tx *Tx) ClearForMailboxChange(threadID string) error {
	if _, err := tx.tx.Exec(`DELETE FROM mailbox_overwrites WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear mailbox overwrites: %w", err)
	}
	_, err := tx.advanceQueryItemOverwrites(OverwriteExecuted, `thread_id = ? AND kind = ?`, threadID, KindMailbox)
	return err
}

// PruneExecuted deletes the executed query-item overwrites of query.
func (tx *Tx) PruneExecuted(query string) (int64, error) {
	return tx.advanceQueryItemOverwrites(OverwriteDeleted, `query_string = ?`, query)
}

// RevertKeyword drops a keyword overwrite regardless of its value.
func (tx *Tx) RevertKeyword(threadID, keyword string) error {
	_, err := tx.tx.Exec(`DELETE FROM keyword_overwrites WHERE thread_id = ? AND keyword = ?`,
		threadID, jmap.CanonicalKeyword(keyword))
	if err != nil {
		return fmt.Errorf("revert keyword overwrite: %w", err)
	}
	return nil
}

// RevertMailbox drops a mailbox overwrite regardless of its value.
func (tx *Tx) RevertMailbox(threadID string, sel Selector) error {
	_, err := tx.tx.Exec(`DELETE FROM mailbox_overwrites WHERE thread_id = ? AND selector = ?`,
		threadID, sel.String())
	if err != nil {
		return fmt.Errorf("revert mailbox overwrite: %w", err)
	}
	return nil
}

// RevertQueryItemOverwrites drops every query-item overwrite of threadID of
// the given kind, in any state.
func (tx *Tx) RevertQueryItemOverwrites(threadID string, kind OverwriteKind) error {
	_, err := tx.tx.Exec(`DELETE FROM query_item_overwrites WHERE thread_id = ? AND kind = ?`, threadID, kind)
	if err != nil {
		return fmt.Errorf("revert query item overwrites: %w", err)
	}
	return nil
}

// KeywordOverwrites returns the keyword overwrites of threadID.
func (tx *Tx) KeywordOverwrites(threadID string) (map[string]bool, error) {
	rows, err := tx.tx.Query(`SELECT keyword, value FROM keyword_overwrites WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list keyword overwrites: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var k string
		var v bool
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan keyword overwrite: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// MailboxOverwrites returns the mailbox overwrites of threadID keyed by
// selector.
func (tx *Tx) MailboxOverwrites(threadID string) (map[Selector]bool, error) {
	rows, err := tx.tx.Query(`SELECT selector, value FROM mailbox_overwrites WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list mailbox overwrites: %w", err)
	}
	defer rows.Close()

	out := make(map[Selector]bool)
	for rows.Next() {
		var s string
		var v bool
		if err := rows.Scan(&s, &v); err != nil {
			return nil, fmt.Errorf("scan mailbox overwrite: %w", err)
		}
		sel, err := ParseSelector(s)
		if err != nil {
			return nil, corruptf("stored selector %q: %v", s, err)
		}
		out[sel] = v
	}
	return out, rows.Err()
}

// QueryItemOverwrites returns the query-item overwrites of query, or of
// every query when query is empty.
func (tx *Tx) QueryItemOverwrites(query string) ([]QueryItemOverwrite, error) {
	stmt := `SELECT query_string, thread_id, kind, state FROM query_item_overwrites`
	var args []interface{}
	if query != "" {
		stmt += ` WHERE query_string = ?`
		args = append(args, query)
	}
	stmt += ` ORDER BY query_string, thread_id`
	return tx.scanQueryItemOverwrites(stmt, args...)
}

// ThreadQueryItemOverwrites returns the query-item overwrites of threadID.
func (tx *Tx) ThreadQueryItemOverwrites(threadID string) ([]QueryItemOverwrite, error) {
	return tx.scanQueryItemOverwrites(`
		SELECT query_string, thread_id, kind, state FROM query_item_overwrites
		WHERE thread_id = ? ORDER BY query_string
	`, threadID)
}

func (tx *Tx) scanQueryItemOverwrites(stmt string, args ...interface{}) ([]QueryItemOverwrite, error) {
	rows, err := tx.tx.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list query item overwrites: %w", err)
	}
	defer rows.Close()

	var out []QueryItemOverwrite
	for rows.Next() {
		var o QueryItemOverwrite
		if err := rows.Scan(&o.QueryString, &o.ThreadID, &o.Kind, &o.State); err != nil {
			return nil, fmt.Errorf("scan query item overwrite: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetKeywordOverwrite records a keyword overwrite in its own transaction.
func (s *Store) SetKeywordOverwrite(ctx context.Context, threadID, keyword string, value bool) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetKeywordOverwrite(threadID, keyword, value)
	})
}

// SetMailboxOverwrite records a mailbox overwrite in its own transaction.
func (s *Store) SetMailboxOverwrite(ctx context.Context, threadID string, sel Selector, value bool) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetMailboxOverwrite(threadID, sel, value)
	})
}

// SetQueryItemOverwrite hides threadID from query in its own transaction.
func (s *Store) SetQueryItemOverwrite(ctx context.Context, query, threadID string, kind OverwriteKind) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetQueryItemOverwrite(query, threadID, kind)
	})
}

// ClearForKeywordChange runs Tx.ClearForKeywordChange in its own transaction.
func (s *Store) ClearForKeywordChange(ctx context.Context, threadID string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.ClearForKeywordChange(threadID)
	})
}

// ClearForMailboxChange runs Tx.ClearForMailboxChange in its own transaction.
func (s *Store) ClearForMailboxChange(ctx context.Context, threadID string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.ClearForMailboxChange(threadID)
	})
}

// PruneExecuted deletes the executed query-item overwrites of query.
func (s *Store) PruneExecuted(ctx context.Context, query string) (int64, error) {
	var n int64
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.PruneExecuted(query)
		return err
	})
	return n, err
}
