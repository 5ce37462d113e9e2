package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
)

// collection binds an entity type to the statements that write one object
// of it. Every object kind shares the state-token handling below.
type collection[T interface{ ObjectID() string }] struct {
	entity  EntityType
	put     func(tx *Tx, v T) error
	destroy func(tx *Tx, id string) error
	clear   func(tx *Tx) error
}

var (
	mailboxes = collection[jmap.Mailbox]{
		entity:  EntityMailbox,
		put:     (*Tx).putMailbox,
		destroy: deleteByID("mailboxes"),
		clear:   deleteAll("mailboxes"),
	}
	identities = collection[jmap.Identity]{
		entity:  EntityIdentity,
		put:     (*Tx).putIdentity,
		destroy: deleteByID("identities"),
		clear:   deleteAll("identities"),
	}
	threads = collection[jmap.Thread]{
		entity:  EntityThread,
		put:     (*Tx).putThread,
		destroy: deleteByID("threads"),
		clear:   deleteAll("threads"),
	}
	emails = collection[jmap.Email]{
		entity:  EntityEmail,
		put:     (*Tx).putEmail,
		destroy: deleteByID("emails"),
		clear:   deleteAll("emails"),
	}
)

func deleteByID(table string) func(tx *Tx, id string) error {
	stmt := `DELETE FROM ` + table + ` WHERE id = ?`
	return func(tx *Tx, id string) error {
		if _, err := tx.tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
		return nil
	}
}

func deleteAll(table string) func(tx *Tx) error {
	stmt := `DELETE FROM ` + table
	return func(tx *Tx) error {
		if _, err := tx.tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		return nil
	}
}

// mergeChanges applies a change set on top of the stored state. It reports
// whether anything was written.
func mergeChanges[T interface{ ObjectID() string }](tx *Tx, c collection[T], ch *jmap.Changes[T]) (bool, error) {
	stored, ok, err := tx.State(c.entity)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, notSynchronizedf("%s changes from %q", c.entity, ch.OldState)
	}
	if stored == ch.NewState {
		return false, nil
	}
	if stored != ch.OldState {
		return false, conflictf("%s changes from %q, cached state %q", c.entity, ch.OldState, stored)
	}

	for _, v := range ch.Created {
		if err := c.put(tx, v); err != nil {
			return false, err
		}
	}
	for _, v := range ch.Updated {
		if err := c.put(tx, v); err != nil {
			return false, err
		}
	}
	for _, id := range ch.Destroyed {
		if err := c.destroy(tx, id); err != nil {
			return false, err
		}
	}
	return true, tx.SetState(c.entity, ch.NewState)
}

// replaceSnapshot replaces the whole collection. It is a no-op when the
// stored state already equals state.
func replaceSnapshot[T interface{ ObjectID() string }](tx *Tx, c collection[T], list []T, state string) (bool, error) {
	stored, ok, err := tx.State(c.entity)
	if err != nil {
		return false, err
	}
	if ok && stored == state {
		return false, nil
	}
	if err := c.clear(tx); err != nil {
		return false, err
	}
	for _, v := range list {
		if err := c.put(tx, v); err != nil {
			return false, err
		}
	}
	return true, tx.SetState(c.entity, state)
}

// putSnapshot upserts part of a collection that was read at state. A
// collection with no state adopts it; a collection at a different state
// must catch up through changes first.
func putSnapshot[T interface{ ObjectID() string }](tx *Tx, c collection[T], list []T, state string) error {
	stored, ok, err := tx.State(c.entity)
	if err != nil {
		return err
	}
	if ok && stored != state {
		return conflictf("%s snapshot at %q, cached state %q", c.entity, state, stored)
	}
	for _, v := range list {
		if err := c.put(tx, v); err != nil {
			return err
		}
	}
	if !ok {
		return tx.SetState(c.entity, state)
	}
	return nil
}

func (tx *Tx) putMailbox(m jmap.Mailbox) error {
	_, err := tx.tx.Exec(`
		INSERT INTO mailboxes (id, name, parent_id, role, sort_order, total_threads, unread_threads)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			role = excluded.role,
			sort_order = excluded.sort_order,
			total_threads = excluded.total_threads,
			unread_threads = excluded.unread_threads
	`, m.ID, m.Name, nullIfEmpty(m.ParentID), nullIfEmpty(strings.ToLower(m.Role)),
		m.SortOrder, m.TotalThreads, m.UnreadThreads)
	if err != nil {
		return fmt.Errorf("upsert mailbox %s: %w", m.ID, err)
	}
	return nil
}

func (tx *Tx) putIdentity(i jmap.Identity) error {
	_, err := tx.tx.Exec(`
		INSERT INTO identities (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, i.ID, i.Name, i.Email)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", i.ID, err)
	}
	return nil
}

func (tx *Tx) putThread(t jmap.Thread) error {
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO threads (id) VALUES (?)`, t.ID); err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	if _, err := tx.tx.Exec(`DELETE FROM thread_items WHERE thread_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clear thread items %s: %w", t.ID, err)
	}
	err := insertInChunks(tx.tx, len(t.EmailIDs), 3,
		`INSERT INTO thread_items (thread_id, position, email_id) VALUES `,
		func(from, to int) ([]string, []interface{}) {
			values := make([]string, 0, to-from)
			args := make([]interface{}, 0, (to-from)*3)
			for i := from; i < to; i++ {
				values = append(values, "(?, ?, ?)")
				args = append(args, t.ID, i, t.EmailIDs[i])
			}
			return values, args
		})
	if err != nil {
		return fmt.Errorf("insert thread items %s: %w", t.ID, err)
	}
	return nil
}

func (tx *Tx) putEmail(e jmap.Email) error {
	from, err := json.Marshal(e.From)
	if err != nil {
		return fmt.Errorf("encode from of %s: %w", e.ID, err)
	}
	if e.From == nil {
		from = []byte("[]")
	}
	_, err = tx.tx.Exec(`
		INSERT INTO emails (id, thread_id, subject, preview, received_at, size, from_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			preview = excluded.preview,
			received_at = excluded.received_at,
			size = excluded.size,
			from_json = excluded.from_json
	`, e.ID, e.ThreadID, e.Subject, e.Preview, e.ReceivedAt.UnixMilli(), e.Size, string(from))
	if err != nil {
		return fmt.Errorf("upsert email %s: %w", e.ID, err)
	}

	if _, err := tx.tx.Exec(`DELETE FROM email_keywords WHERE email_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear keywords of %s: %w", e.ID, err)
	}
	for k, set := range e.Keywords {
		if !set {
			continue
		}
		if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO email_keywords (email_id, keyword) VALUES (?, ?)`,
			e.ID, jmap.CanonicalKeyword(k)); err != nil {
			return fmt.Errorf("insert keyword of %s: %w", e.ID, err)
		}
	}

	if _, err := tx.tx.Exec(`DELETE FROM email_mailboxes WHERE email_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear mailboxes of %s: %w", e.ID, err)
	}
	for id, member := range e.MailboxIDs {
		if !member {
			continue
		}
		if _, err := tx.tx.Exec(`INSERT INTO email_mailboxes (email_id, mailbox_id) VALUES (?, ?)`,
			e.ID, id); err != nil {
			return fmt.Errorf("insert mailbox of %s: %w", e.ID, err)
		}
	}
	return nil
}

// ReplaceMailboxes replaces every mailbox with a full snapshot.
func (tx *Tx) ReplaceMailboxes(list []jmap.Mailbox, state string) (bool, error) {
	return replaceSnapshot(tx, mailboxes, list, state)
}

// MergeMailboxChanges applies a mailbox change set.
func (tx *Tx) MergeMailboxChanges(ch *jmap.Changes[jmap.Mailbox]) (bool, error) {
	return mergeChanges(tx, mailboxes, ch)
}

// ReplaceIdentities replaces every identity with a full snapshot.
func (tx *Tx) ReplaceIdentities(list []jmap.Identity, state string) (bool, error) {
	return replaceSnapshot(tx, identities, list, state)
}

// MergeIdentityChanges applies an identity change set.
func (tx *Tx) MergeIdentityChanges(ch *jmap.Changes[jmap.Identity]) (bool, error) {
	return mergeChanges(tx, identities, ch)
}

// PutThreads upserts threads read at state.
func (tx *Tx) PutThreads(list []jmap.Thread, state string) error {
	return putSnapshot(tx, threads, list, state)
}

// MergeThreadChanges applies a thread change set.
func (tx *Tx) MergeThreadChanges(ch *jmap.Changes[jmap.Thread]) (bool, error) {
	return mergeChanges(tx, threads, ch)
}

// PutEmails upserts emails read at state.
func (tx *Tx) PutEmails(list []jmap.Email, state string) error {
	return putSnapshot(tx, emails, list, state)
}

// MergeEmailChanges applies an email change set.
func (tx *Tx) MergeEmailChanges(ch *jmap.Changes[jmap.Email]) (bool, error) {
	return mergeChanges(tx, emails, ch)
}

// Mailboxes lists the stored mailboxes ordered for display.
func (tx *Tx) Mailboxes() ([]jmap.Mailbox, error) {
	rows, err := tx.tx.Query(`
		SELECT id, name, parent_id, role, sort_order, total_threads, unread_threads
		FROM mailboxes ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []jmap.Mailbox
	for rows.Next() {
		var m jmap.Mailbox
		var parent, role sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &parent, &role, &m.SortOrder, &m.TotalThreads, &m.UnreadThreads); err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		m.ParentID = parent.String
		m.Role = role.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// MailboxIDsForSelector returns the ids of the stored mailboxes sel
// selects.
func (tx *Tx) MailboxIDsForSelector(sel Selector) ([]string, error) {
	all, err := tx.Mailboxes()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range all {
		if sel.Matches(m) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// Identities lists the stored identities.
func (tx *Tx) Identities() ([]jmap.Identity, error) {
	rows, err := tx.tx.Query(`SELECT id, name, email FROM identities ORDER BY email, id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []jmap.Identity
	for rows.Next() {
		var i jmap.Identity
		if err := rows.Scan(&i.ID, &i.Name, &i.Email); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Thread returns the stored thread, or nil.
func (tx *Tx) Thread(id string) (*jmap.Thread, error) {
	var exists int
	err := tx.tx.QueryRow(`SELECT 1 FROM threads WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", id, err)
	}

	rows, err := tx.tx.Query(`SELECT email_id FROM thread_items WHERE thread_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("read thread items %s: %w", id, err)
	}
	defer rows.Close()

	t := &jmap.Thread{ID: id, EmailIDs: []string{}}
	for rows.Next() {
		var emailID string
		if err := rows.Scan(&emailID); err != nil {
			return nil, fmt.Errorf("scan thread item: %w", err)
		}
		t.EmailIDs = append(t.EmailIDs, emailID)
	}
	return t, rows.Err()
}

// ThreadEmails returns the stored emails of a thread, oldest first.
func (tx *Tx) ThreadEmails(threadID string) ([]jmap.Email, error) {
	return tx.scanEmails(`WHERE e.thread_id = ? ORDER BY e.received_at, e.id`, threadID)
}

// Email returns the stored email, or nil.
func (tx *Tx) Email(id string) (*jmap.Email, error) {
	list, err := tx.scanEmails(`WHERE e.id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (tx *Tx) scanEmails(where string, args ...interface{}) ([]jmap.Email, error) {
	rows, err := tx.tx.Query(`
		SELECT e.id, e.thread_id, e.subject, e.preview, e.received_at, e.size, e.from_json
		FROM emails e `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}

	var out []jmap.Email
	for rows.Next() {
		var e jmap.Email
		var receivedAt int64
		var from string
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.Subject, &e.Preview, &receivedAt, &e.Size, &from); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		var addrs []jmap.EmailAddress
		if err := json.Unmarshal([]byte(from), &addrs); err != nil {
			rows.Close()
			return nil, corruptf("email %s: stored from: %v", e.ID, err)
		}
		if len(addrs) > 0 {
			e.From = addrs
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emails: %w", err)
	}

	for i := range out {
		if out[i].Keywords, err = tx.stringSet(`SELECT keyword FROM email_keywords WHERE email_id = ?`, out[i].ID); err != nil {
			return nil, err
		}
		if out[i].MailboxIDs, err = tx.stringSet(`SELECT mailbox_id FROM email_mailboxes WHERE email_id = ?`, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (tx *Tx) stringSet(stmt string, args ...interface{}) (map[string]bool, error) {
	rows, err := tx.tx.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("read set: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan set: %w", err)
		}
		out[s] = true
	}
	return out, rows.Err()
}

// StoredKeyword reports the synced keyword state of a thread. $seen holds
// only when every email is seen; any other keyword holds when any email
// carries it.
func (tx *Tx) StoredKeyword(threadID, keyword string) (bool, error) {
	keyword = jmap.CanonicalKeyword(keyword)
	var total, with int
	err := tx.tx.QueryRow(`
		SELECT COUNT(*),
		       COUNT(k.email_id)
		FROM emails e
		LEFT JOIN email_keywords k ON k.email_id = e.id AND k.keyword = ?
		WHERE e.thread_id = ?
	`, keyword, threadID).Scan(&total, &with)
	if err != nil {
		return false, fmt.Errorf("read keyword %s of %s: %w", keyword, threadID, err)
	}
	if keyword == jmap.KeywordSeen {
		return total > 0 && with == total, nil
	}
	return with > 0, nil
}

// StoredMailboxMembership reports whether any synced email of the thread is
// in a mailbox sel selects.
func (tx *Tx) StoredMailboxMembership(threadID string, sel Selector) (bool, error) {
	ids, err := tx.MailboxIDsForSelector(sel)
	if err != nil || len(ids) == 0 {
		return false, err
	}
	args := []interface{}{threadID}
	for _, id := range ids {
		args = append(args, id)
	}
	var n int
	err = tx.tx.QueryRow(`
		SELECT COUNT(*) FROM email_mailboxes em
		JOIN emails e ON e.id = em.email_id
		WHERE e.thread_id = ? AND em.mailbox_id IN (`+placeholders(len(ids))+`)
	`, args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read mailbox membership of %s: %w", threadID, err)
	}
	return n > 0, nil
}

// GetMailboxes lists the stored mailboxes.
func (s *Store) GetMailboxes(ctx context.Context) ([]jmap.Mailbox, error) {
	var out []jmap.Mailbox
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Mailboxes()
		return err
	})
	return out, err
}

// GetThreadEmails returns the stored emails of a thread.
func (s *Store) GetThreadEmails(ctx context.Context, threadID string) ([]jmap.Email, error) {
	var out []jmap.Email
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ThreadEmails(threadID)
		return err
	})
	return out, err
}
