// Package jmap defines the protocol boundary of the cache: the diff payloads
// a JMAP server produces, canonical query strings, and a client interface
// with an HTTP implementation and an in-memory mock.
package jmap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Well-known mailbox roles (RFC 8621 section 2).
const (
	RoleInbox     = "inbox"
	RoleArchive   = "archive"
	RoleDrafts    = "drafts"
	RoleFlagged   = "flagged"
	RoleImportant = "important"
	RoleJunk      = "junk"
	RoleSent      = "sent"
	RoleTrash     = "trash"
	RoleAll       = "all"
)

// System keywords.
const (
	KeywordSeen     = "$seen"
	KeywordFlagged  = "$flagged"
	KeywordDraft    = "$draft"
	KeywordAnswered = "$answered"
)

// Mailbox is a server mailbox. Labels are mailboxes without a role.
type Mailbox struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ParentID      string `json:"parentId,omitempty"`
	Role          string `json:"role,omitempty"`
	SortOrder     int    `json:"sortOrder"`
	TotalThreads  int    `json:"totalThreads"`
	UnreadThreads int    `json:"unreadThreads"`
}

// Thread is an ordered list of email ids.
type Thread struct {
	ID       string   `json:"id"`
	EmailIDs []string `json:"emailIds"`
}

// EmailAddress is a name/address pair.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Email holds the properties the cache mirrors.
type Email struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"threadId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Subject    string          `json:"subject"`
	Preview    string          `json:"preview"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Size       int64           `json:"size"`
	From       []EmailAddress  `json:"from,omitempty"`
}

// Identity is a sending identity.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// List is the result of a /get call.
type List[T any] struct {
	State    string
	List     []T
	NotFound []string
}

// Changes is an object collection diff. Created and Updated carry full
// snapshots; Destroyed carries ids only.
type Changes[T any] struct {
	OldState       string
	NewState       string
	HasMoreChanges bool
	Created        []T
	Updated        []T
	Destroyed      []string
}

// QueryItem is one entry of an email query result.
type QueryItem struct {
	EmailID  string `json:"id"`
	ThreadID string `json:"threadId"`
}

// AddedItem is a query item inserted at Index by a query diff.
type AddedItem struct {
	Index int       `json:"index"`
	Item  QueryItem `json:"item"`
}

// QueryResult is one page of an Email/query response.
type QueryResult struct {
	QueryState          string
	CanCalculateChanges bool
	Position            int
	Total               int
	Items               []QueryItem
}

// QueryChanges is an Email/queryChanges response.
type QueryChanges struct {
	OldQueryState string
	NewQueryState string
	Total         int
	Removed       []string
	Added         []AddedItem
}

// PageRequest selects the window of a query. Anchor takes precedence over
// Position when set.
type PageRequest struct {
	Position     int
	Anchor       string
	AnchorOffset int
	Limit        int
}

// EmailPatch describes keyword and mailbox membership changes for a single
// email. A true value sets, a false value clears.
type EmailPatch struct {
	EmailID   string
	Keywords  map[string]bool
	Mailboxes map[string]bool
}

// MailboxReader reads mailboxes.
type MailboxReader interface {
	GetMailboxes(ctx context.Context) (*List[Mailbox], error)
	MailboxChanges(ctx context.Context, sinceState string) (*Changes[Mailbox], error)
}

// IdentityReader reads sending identities.
type IdentityReader interface {
	GetIdentities(ctx context.Context) (*List[Identity], error)
	IdentityChanges(ctx context.Context, sinceState string) (*Changes[Identity], error)
}

// EmailReader reads threads, emails and query results.
type EmailReader interface {
	GetThreads(ctx context.Context, ids []string) (*List[Thread], error)
	ThreadChanges(ctx context.Context, sinceState string) (*Changes[Thread], error)
	GetEmails(ctx context.Context, ids []string) (*List[Email], error)
	EmailChanges(ctx context.Context, sinceState string) (*Changes[Email], error)

	// QueryEmails returns one page of results for q.
	QueryEmails(ctx context.Context, q EmailQuery, page PageRequest) (*QueryResult, error)

	// QueryEmailChanges returns the diff of q since sinceQueryState. Returns
	// ErrCannotCalculateChanges when the server can't produce one.
	QueryEmailChanges(ctx context.Context, q EmailQuery, sinceQueryState string) (*QueryChanges, error)
}

// EmailWriter applies email mutations.
type EmailWriter interface {
	SetEmails(ctx context.Context, patches []EmailPatch) error
}

// API is the protocol client the cache consumes diffs from.
type API interface {
	MailboxReader
	IdentityReader
	EmailReader
	EmailWriter

	// Close releases any resources held by the client.
	Close() error
}

// Errors mapped from JMAP method-level errors.
var (
	ErrCannotCalculateChanges = errors.New("server cannot calculate changes")
	ErrAnchorNotFound         = errors.New("anchor not found")
)

// MethodError is a JMAP method-level error response.
type MethodError struct {
	Method      string
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Type, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Type)
}

// Is maps well-known error types onto the package sentinels.
func (e *MethodError) Is(target error) bool {
	switch e.Type {
	case "cannotCalculateChanges":
		return target == ErrCannotCalculateChanges
	case "anchorNotFound":
		return target == ErrAnchorNotFound
	}
	return false
}

// ObjectID implementations let generic code key entities by id.

func (m Mailbox) ObjectID() string  { return m.ID }
func (t Thread) ObjectID() string   { return t.ID }
func (e Email) ObjectID() string    { return e.ID }
func (i Identity) ObjectID() string { return i.ID }
