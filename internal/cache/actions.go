package cache

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
)

// Action is a user mutation of one or more threads: keywords to set or
// clear and mailboxes to add or remove them from.
type Action struct {
	ThreadIDs []string                `json:"threadIds"`
	Keywords  map[string]bool         `json:"keywords,omitempty"`
	Mailboxes map[store.Selector]bool `json:"mailboxes,omitempty"`
}

func keywordAction(keyword string, value bool, threadIDs []string) Action {
	return Action{ThreadIDs: threadIDs, Keywords: map[string]bool{keyword: value}}
}

// MarkRead sets $seen.
func MarkRead(threadIDs ...string) Action { return keywordAction(jmap.KeywordSeen, true, threadIDs) }

// MarkUnread clears $seen.
func MarkUnread(threadIDs ...string) Action { return keywordAction(jmap.KeywordSeen, false, threadIDs) }

// Flag sets $flagged.
func Flag(threadIDs ...string) Action { return keywordAction(jmap.KeywordFlagged, true, threadIDs) }

// Unflag clears $flagged.
func Unflag(threadIDs ...string) Action { return keywordAction(jmap.KeywordFlagged, false, threadIDs) }

// Archive moves threads from the inbox to the archive.
func Archive(threadIDs ...string) Action {
	return Action{ThreadIDs: threadIDs, Mailboxes: map[store.Selector]bool{
		store.RoleSelector(jmap.RoleInbox):   false,
		store.RoleSelector(jmap.RoleArchive): true,
	}}
}

// MoveToInbox moves threads from the archive back to the inbox.
func MoveToInbox(threadIDs ...string) Action {
	return Action{ThreadIDs: threadIDs, Mailboxes: map[store.Selector]bool{
		store.RoleSelector(jmap.RoleArchive): false,
		store.RoleSelector(jmap.RoleInbox):   true,
	}}
}

// MoveToTrash moves threads from the inbox to the trash.
func MoveToTrash(threadIDs ...string) Action {
	return Action{ThreadIDs: threadIDs, Mailboxes: map[store.Selector]bool{
		store.RoleSelector(jmap.RoleInbox): false,
		store.RoleSelector(jmap.RoleTrash): true,
	}}
}

// AddLabel adds threads to a label.
func AddLabel(label string, threadIDs ...string) Action {
	return Action{ThreadIDs: threadIDs, Mailboxes: map[store.Selector]bool{store.LabelSelector(label): true}}
}

// RemoveLabel removes threads from a label.
func RemoveLabel(label string, threadIDs ...string) Action {
	return Action{ThreadIDs: threadIDs, Mailboxes: map[store.Selector]bool{store.LabelSelector(label): false}}
}

// Validate checks that the action names threads and changes something.
func (a Action) Validate() error {
	if len(a.ThreadIDs) == 0 {
		return fmt.Errorf("action has no threads")
	}
	for _, id := range a.ThreadIDs {
		if id == "" {
			return fmt.Errorf("action has an empty thread id")
		}
	}
	if len(a.Keywords) == 0 && len(a.Mailboxes) == 0 {
		return fmt.Errorf("action changes nothing")
	}
	for k := range a.Keywords {
		if jmap.CanonicalKeyword(k) == "" {
			return fmt.Errorf("action has an empty keyword")
		}
	}
	return nil
}

func (a Action) sharesThread(other Action) bool {
	for _, id := range other.ThreadIDs {
		if slices.Contains(a.ThreadIDs, id) {
			return true
		}
	}
	return false
}

// kinds lists the overwrite kinds the action writes.
func (a Action) kinds() []store.OverwriteKind {
	var out []store.OverwriteKind
	if len(a.Keywords) > 0 {
		out = append(out, store.KindKeyword)
	}
	if len(a.Mailboxes) > 0 {
		out = append(out, store.KindMailbox)
	}
	return out
}

// dropKind reports whether the action removes threads from q, and the kind
// of the overwrite that hides them. Mailbox changes win over keywords.
func dropKind(tx *store.Tx, q jmap.EmailQuery, a Action) (store.OverwriteKind, bool, error) {
	for sel, member := range a.Mailboxes {
		ids, err := tx.MailboxIDsForSelector(sel)
		if err != nil {
			return "", false, err
		}
		for _, id := range ids {
			if q.DropsOnMailbox(id, member) {
				return store.KindMailbox, true, nil
			}
		}
	}
	for k, v := range a.Keywords {
		if q.DropsOnKeyword(k, v) {
			return store.KindKeyword, true, nil
		}
	}
	return "", false, nil
}

// Apply makes an action visible immediately: keyword and mailbox overwrites
// are written for every thread, and the threads are hidden from every
// cached query the action takes them out of. Call it before the mutation is
// sent to the server.
func (e *Engine) Apply(ctx context.Context, a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := e.apply(tx, a); err != nil {
			return err
		}
		return touchThreads(tx, topics)
	})
}

func (e *Engine) apply(tx *store.Tx, a Action) error {
	for _, id := range a.ThreadIDs {
		for k, v := range a.Keywords {
			if err := tx.SetKeywordOverwrite(id, k, v); err != nil {
				return err
			}
		}
		for sel, v := range a.Mailboxes {
			if err := tx.SetMailboxOverwrite(id, sel, v); err != nil {
				return err
			}
		}
	}

	queries, err := tx.ListQueries()
	if err != nil {
		return err
	}
	for _, qs := range queries {
		q, err := jmap.ParseQuery(qs.QueryString)
		if err != nil {
			e.logger.Debug("skipping unparsable query", "query", qs.QueryString, "error", err)
			continue
		}
		kind, drops, err := dropKind(tx, q, a)
		if err != nil {
			return err
		}
		if !drops {
			continue
		}
		for _, id := range a.ThreadIDs {
			if err := tx.SetQueryItemOverwrite(qs.QueryString, id, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// Confirm runs once the server accepted the action. Keyword and mailbox
// overwrites are dropped and the query-item overwrites they caused become
// executed.
func (e *Engine) Confirm(ctx context.Context, a Action) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		for _, id := range a.ThreadIDs {
			if len(a.Keywords) > 0 {
				if err := tx.ClearForKeywordChange(id); err != nil {
					return err
				}
			}
			if len(a.Mailboxes) > 0 {
				if err := tx.ClearForMailboxChange(id); err != nil {
					return err
				}
			}
		}
		return touchThreads(tx, topics)
	})
}

// Rollback removes every overwrite Apply wrote for the action, restoring
// the last synced view. Overwrites are stored per thread, not per action,
// so each of the still unsent actions in live that shares a thread with a
// is applied again, in the given order, within the same transaction.
func (e *Engine) Rollback(ctx context.Context, a Action, live ...Action) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		for _, id := range a.ThreadIDs {
			for k := range a.Keywords {
				if err := tx.RevertKeyword(id, k); err != nil {
					return err
				}
			}
			for sel := range a.Mailboxes {
				if err := tx.RevertMailbox(id, sel); err != nil {
					return err
				}
			}
			for _, kind := range a.kinds() {
				if err := tx.RevertQueryItemOverwrites(id, kind); err != nil {
					return err
				}
			}
		}
		for _, other := range live {
			if !a.sharesThread(other) {
				continue
			}
			if err := e.apply(tx, other); err != nil {
				return fmt.Errorf("reapply overlapping action: %w", err)
			}
		}
		return touchThreads(tx, topics)
	})
}

// Patches turns a thread-level action into per-email patches, using the
// cached emails of each thread.
func (e *Engine) Patches(ctx context.Context, a Action) ([]jmap.EmailPatch, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	var patches []jmap.EmailPatch
	err := e.view(ctx, func(tx *store.Tx) error {
		targets := make(map[store.Selector][]string, len(a.Mailboxes))
		for sel, member := range a.Mailboxes {
			ids, err := tx.MailboxIDsForSelector(sel)
			if err != nil {
				return err
			}
			if member && len(ids) == 0 {
				return fmt.Errorf("no cached mailbox for %s", sel)
			}
			if member {
				// Adding means adding to exactly one mailbox.
				ids = ids[:1]
			}
			targets[sel] = ids
		}

		for _, threadID := range a.ThreadIDs {
			emails, err := tx.ThreadEmails(threadID)
			if err != nil {
				return err
			}
			for _, email := range emails {
				p := jmap.EmailPatch{EmailID: email.ID}
				for k, v := range a.Keywords {
					k = jmap.CanonicalKeyword(k)
					if email.Keywords[k] == v {
						continue
					}
					if p.Keywords == nil {
						p.Keywords = make(map[string]bool)
					}
					p.Keywords[k] = v
				}
				for sel, member := range a.Mailboxes {
					for _, id := range targets[sel] {
						if email.MailboxIDs[id] == member {
							continue
						}
						if p.Mailboxes == nil {
							p.Mailboxes = make(map[string]bool)
						}
						p.Mailboxes[id] = member
					}
				}
				if p.Keywords != nil || p.Mailboxes != nil {
					patches = append(patches, p)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(patches, func(i, j int) bool { return patches[i].EmailID < patches[j].EmailID })
	return patches, nil
}
