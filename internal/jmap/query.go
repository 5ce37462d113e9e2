package jmap

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Comparator is one sort criterion of an Email/query.
type Comparator struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// EmailFilter is the subset of the Email/query FilterCondition the cache
// issues.
type EmailFilter struct {
	InMailbox          string   `json:"inMailbox,omitempty"`
	InMailboxOtherThan []string `json:"inMailboxOtherThan,omitempty"`
	HasKeyword         string   `json:"hasKeyword,omitempty"`
	NotKeyword         string   `json:"notKeyword,omitempty"`
	Text               string   `json:"text,omitempty"`
}

func (f EmailFilter) empty() bool {
	return f.InMailbox == "" && len(f.InMailboxOtherThan) == 0 &&
		f.HasKeyword == "" && f.NotKeyword == "" && f.Text == ""
}

// EmailQuery is a filter plus sort. Its String form is the canonical query
// string the cache keys query results and overwrites by.
type EmailQuery struct {
	Filter          *EmailFilter `json:"filter,omitempty"`
	Sort            []Comparator `json:"sort,omitempty"`
	CollapseThreads bool         `json:"collapseThreads"`
}

var defaultSort = []Comparator{{Property: "receivedAt", IsAscending: false}}

// MailboxQuery lists the threads of one mailbox, newest first.
func MailboxQuery(mailboxID string) EmailQuery {
	return EmailQuery{
		Filter:          &EmailFilter{InMailbox: mailboxID},
		Sort:            defaultSort,
		CollapseThreads: true,
	}
}

// KeywordQuery lists the threads carrying keyword, newest first.
func KeywordQuery(keyword string) EmailQuery {
	return EmailQuery{
		Filter:          &EmailFilter{HasKeyword: CanonicalKeyword(keyword)},
		Sort:            defaultSort,
		CollapseThreads: true,
	}
}

// SearchQuery runs a full-text search, optionally excluding mailboxes
// (typically trash and junk).
func SearchQuery(text string, excludeMailboxIDs ...string) EmailQuery {
	return EmailQuery{
		Filter:          &EmailFilter{Text: text, InMailboxOtherThan: excludeMailboxIDs},
		Sort:            defaultSort,
		CollapseThreads: true,
	}
}

// CanonicalKeyword case-folds a keyword. JMAP keywords are case-insensitive.
func CanonicalKeyword(keyword string) string {
	return cases.Fold().String(strings.TrimSpace(keyword))
}

func (q EmailQuery) normalized() EmailQuery {
	out := EmailQuery{CollapseThreads: q.CollapseThreads, Sort: q.Sort}
	if len(out.Sort) == 0 {
		out.Sort = defaultSort
	}
	if q.Filter != nil {
		f := *q.Filter
		f.HasKeyword = CanonicalKeyword(f.HasKeyword)
		f.NotKeyword = CanonicalKeyword(f.NotKeyword)
		if len(f.InMailboxOtherThan) > 0 {
			f.InMailboxOtherThan = slices.Clone(f.InMailboxOtherThan)
			slices.Sort(f.InMailboxOtherThan)
			f.InMailboxOtherThan = slices.Compact(f.InMailboxOtherThan)
		}
		if !f.empty() {
			out.Filter = &f
		}
	}
	return out
}

// String returns the canonical query string. Two queries with the same
// semantics produce the same string.
func (q EmailQuery) String() string {
	b, err := json.Marshal(q.normalized())
	if err != nil {
		// Only plain strings and bools are marshalled.
		panic(fmt.Sprintf("marshal query: %v", err))
	}
	return string(b)
}

// ParseQuery decodes a canonical query string.
func ParseQuery(s string) (EmailQuery, error) {
	var q EmailQuery
	if err := json.Unmarshal([]byte(s), &q); err != nil {
		return EmailQuery{}, fmt.Errorf("parse query %q: %w", s, err)
	}
	return q.normalized(), nil
}

// DropsOnKeyword reports whether setting keyword to value on a thread
// removes that thread from the query's results.
func (q EmailQuery) DropsOnKeyword(keyword string, value bool) bool {
	if q.Filter == nil {
		return false
	}
	k := CanonicalKeyword(keyword)
	if value {
		return CanonicalKeyword(q.Filter.NotKeyword) == k
	}
	return CanonicalKeyword(q.Filter.HasKeyword) == k
}

// DropsOnMailbox reports whether adding (member=true) or removing a thread
// from mailboxID removes that thread from the query's results.
func (q EmailQuery) DropsOnMailbox(mailboxID string, member bool) bool {
	if q.Filter == nil {
		return false
	}
	if member {
		return slices.Contains(q.Filter.InMailboxOtherThan, mailboxID)
	}
	return q.Filter.InMailbox == mailboxID
}

// IsSearch reports whether the query is a full-text search.
func (q EmailQuery) IsSearch() bool {
	return q.Filter != nil && q.Filter.Text != ""
}
