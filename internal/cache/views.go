package cache

import (
	"context"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
)

// Row is one rendered entry of a query view.
type Row struct {
	Position   int                 `json:"position"`
	ThreadID   string              `json:"threadId"`
	EmailID    string              `json:"emailId"`
	Subject    string              `json:"subject"`
	Preview    string              `json:"preview"`
	From       []jmap.EmailAddress `json:"from,omitempty"`
	ReceivedAt time.Time           `json:"receivedAt"`
	Count      int                 `json:"count"`
	Seen       bool                `json:"seen"`
	Flagged    bool                `json:"flagged"`
	InInbox    bool                `json:"inInbox"`
}

// ThreadView is a thread with its emails and overwrite-aware flags.
type ThreadView struct {
	ID      string       `json:"id"`
	Emails  []jmap.Email `json:"emails"`
	Seen    bool         `json:"seen"`
	Flagged bool         `json:"flagged"`
	InInbox bool         `json:"inInbox"`
}

// hasKeyword returns the keyword overwrite when there is one and the synced
// keyword state otherwise.
func hasKeyword(tx *store.Tx, threadID, keyword string) (bool, error) {
	overwrites, err := tx.KeywordOverwrites(threadID)
	if err != nil {
		return false, err
	}
	if v, ok := overwrites[jmap.CanonicalKeyword(keyword)]; ok {
		return v, nil
	}
	return tx.StoredKeyword(threadID, keyword)
}

// inMailbox returns the mailbox overwrite when there is one and the synced
// membership otherwise.
func inMailbox(tx *store.Tx, threadID string, sel store.Selector) (bool, error) {
	overwrites, err := tx.MailboxOverwrites(threadID)
	if err != nil {
		return false, err
	}
	if v, ok := overwrites[sel]; ok {
		return v, nil
	}
	return tx.StoredMailboxMembership(threadID, sel)
}

type flags struct {
	seen, flagged, inInbox bool
}

func threadFlags(tx *store.Tx, threadID string) (flags, error) {
	var f flags
	var err error
	if f.seen, err = hasKeyword(tx, threadID, jmap.KeywordSeen); err != nil {
		return f, err
	}
	if f.flagged, err = hasKeyword(tx, threadID, jmap.KeywordFlagged); err != nil {
		return f, err
	}
	if f.inInbox, err = inMailbox(tx, threadID, store.RoleSelector(jmap.RoleInbox)); err != nil {
		return f, err
	}
	return f, nil
}

// HasKeyword reports whether a thread carries keyword, with overwrites
// taking precedence over synced data.
func (e *Engine) HasKeyword(ctx context.Context, threadID, keyword string) (bool, error) {
	var out bool
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = hasKeyword(tx, threadID, keyword)
		return err
	})
	return out, err
}

// InMailbox reports whether a thread is in the mailbox sel selects, with
// overwrites taking precedence over synced data.
func (e *Engine) InMailbox(ctx context.Context, threadID string, sel store.Selector) (bool, error) {
	var out bool
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = inMailbox(tx, threadID, sel)
		return err
	})
	return out, err
}

// QueryView renders a query: its items minus the threads hidden by
// query-item overwrites, each decorated with overwrite-aware flags.
func (e *Engine) QueryView(ctx context.Context, query string) ([]Row, error) {
	var rows []Row
	err := e.view(ctx, func(tx *store.Tx) error {
		items, err := tx.VisibleQueryItems(query)
		if err != nil {
			return err
		}
		rows = make([]Row, 0, len(items))
		for _, it := range items {
			row := Row{Position: it.Position, ThreadID: it.ThreadID, EmailID: it.EmailID}

			email, err := tx.Email(it.EmailID)
			if err != nil {
				return err
			}
			if email != nil {
				row.Subject = email.Subject
				row.Preview = email.Preview
				row.From = email.From
				row.ReceivedAt = email.ReceivedAt
			}
			thread, err := tx.Thread(it.ThreadID)
			if err != nil {
				return err
			}
			if thread != nil {
				row.Count = len(thread.EmailIDs)
			}

			f, err := threadFlags(tx, it.ThreadID)
			if err != nil {
				return err
			}
			row.Seen, row.Flagged, row.InInbox = f.seen, f.flagged, f.inInbox
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// Thread returns a thread view, or nil when the thread isn't cached.
func (e *Engine) Thread(ctx context.Context, threadID string) (*ThreadView, error) {
	var out *ThreadView
	err := e.view(ctx, func(tx *store.Tx) error {
		thread, err := tx.Thread(threadID)
		if err != nil || thread == nil {
			return err
		}
		emails, err := tx.ThreadEmails(threadID)
		if err != nil {
			return err
		}
		f, err := threadFlags(tx, threadID)
		if err != nil {
			return err
		}
		out = &ThreadView{
			ID:      threadID,
			Emails:  emails,
			Seen:    f.seen,
			Flagged: f.flagged,
			InInbox: f.inInbox,
		}
		return nil
	})
	return out, err
}

// Mailboxes lists the cached mailboxes.
func (e *Engine) Mailboxes(ctx context.Context) ([]jmap.Mailbox, error) {
	return e.store.GetMailboxes(ctx)
}

// Identities lists the cached identities.
func (e *Engine) Identities(ctx context.Context) ([]jmap.Identity, error) {
	var out []jmap.Identity
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.Identities()
		return err
	})
	return out, err
}
