package jmap

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MockAPI is an in-memory implementation of API for tests. Responses are
// configured through the exported fields; changes and query changes are
// keyed by the state the caller syncs from.
type MockAPI struct {
	mu sync.Mutex

	Mailboxes  List[Mailbox]
	Identities List[Identity]

	Threads     map[string]Thread
	ThreadState string
	Emails      map[string]Email
	EmailState  string

	MailboxChangeSets  map[string]*Changes[Mailbox]
	IdentityChangeSets map[string]*Changes[Identity]
	ThreadChangeSets   map[string]*Changes[Thread]
	EmailChangeSets    map[string]*Changes[Email]

	// Results holds the full result of each query, keyed by query string.
	Results map[string]*QueryResult

	// ResultChanges holds query diffs keyed by QueryChangesKey.
	ResultChanges map[string]*QueryChanges

	// Error injection
	QueryError        error
	QueryChangesError error
	SetError          error

	// Call tracking for assertions
	QueryCalls        []string
	QueryChangesCalls []string
	PageCalls         []PageRequest
	SetCalls          [][]EmailPatch
	GetThreadsCalls   int
	GetEmailsCalls    int
}

// NewMockAPI creates a mock with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Threads:            make(map[string]Thread),
		Emails:             make(map[string]Email),
		MailboxChangeSets:  make(map[string]*Changes[Mailbox]),
		IdentityChangeSets: make(map[string]*Changes[Identity]),
		ThreadChangeSets:   make(map[string]*Changes[Thread]),
		EmailChangeSets:    make(map[string]*Changes[Email]),
		Results:            make(map[string]*QueryResult),
		ResultChanges:      make(map[string]*QueryChanges),
	}
}

// QueryChangesKey is the ResultChanges key for a query diff.
func QueryChangesKey(q EmailQuery, sinceQueryState string) string {
	return q.String() + "@" + sinceQueryState
}

// AddEmail registers an email and appends it to its thread.
func (m *MockAPI) AddEmail(e Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails[e.ID] = e
	t := m.Threads[e.ThreadID]
	t.ID = e.ThreadID
	if !slices.Contains(t.EmailIDs, e.ID) {
		t.EmailIDs = append(t.EmailIDs, e.ID)
	}
	m.Threads[e.ThreadID] = t
}

func (m *MockAPI) Close() error { return nil }

func (m *MockAPI) GetMailboxes(ctx context.Context) (*List[Mailbox], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.Mailboxes
	out.List = slices.Clone(out.List)
	return &out, nil
}

func (m *MockAPI) MailboxChanges(ctx context.Context, sinceState string) (*Changes[Mailbox], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupChanges(m.MailboxChangeSets, sinceState, m.Mailboxes.State)
}

func (m *MockAPI) GetIdentities(ctx context.Context) (*List[Identity], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.Identities
	out.List = slices.Clone(out.List)
	return &out, nil
}

func (m *MockAPI) IdentityChanges(ctx context.Context, sinceState string) (*Changes[Identity], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupChanges(m.IdentityChangeSets, sinceState, m.Identities.State)
}

func (m *MockAPI) GetThreads(ctx context.Context, ids []string) (*List[Thread], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetThreadsCalls++
	return lookupObjects(m.Threads, ids, m.ThreadState), nil
}

func (m *MockAPI) ThreadChanges(ctx context.Context, sinceState string) (*Changes[Thread], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupChanges(m.ThreadChangeSets, sinceState, m.ThreadState)
}

func (m *MockAPI) GetEmails(ctx context.Context, ids []string) (*List[Email], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetEmailsCalls++
	return lookupObjects(m.Emails, ids, m.EmailState), nil
}

func (m *MockAPI) EmailChanges(ctx context.Context, sinceState string) (*Changes[Email], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupChanges(m.EmailChangeSets, sinceState, m.EmailState)
}

func (m *MockAPI) QueryEmails(ctx context.Context, q EmailQuery, page PageRequest) (*QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := q.String()
	m.QueryCalls = append(m.QueryCalls, key)
	m.PageCalls = append(m.PageCalls, page)
	if m.QueryError != nil {
		return nil, m.QueryError
	}
	res, ok := m.Results[key]
	if !ok {
		return &QueryResult{}, nil
	}

	start := page.Position
	if page.Anchor != "" {
		idx := slices.IndexFunc(res.Items, func(it QueryItem) bool { return it.EmailID == page.Anchor })
		if idx < 0 {
			return nil, &MethodError{Method: "Email/query", Type: "anchorNotFound"}
		}
		start = idx + page.AnchorOffset
	}
	start = max(0, min(start, len(res.Items)))
	end := len(res.Items)
	if page.Limit > 0 {
		end = min(end, start+page.Limit)
	}
	return &QueryResult{
		QueryState:          res.QueryState,
		CanCalculateChanges: res.CanCalculateChanges,
		Position:            start,
		Total:               len(res.Items),
		Items:               slices.Clone(res.Items[start:end]),
	}, nil
}

func (m *MockAPI) QueryEmailChanges(ctx context.Context, q EmailQuery, sinceQueryState string) (*QueryChanges, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := QueryChangesKey(q, sinceQueryState)
	m.QueryChangesCalls = append(m.QueryChangesCalls, key)
	if m.QueryChangesError != nil {
		return nil, m.QueryChangesError
	}
	ch, ok := m.ResultChanges[key]
	if !ok {
		if res, ok := m.Results[q.String()]; ok && res.QueryState == sinceQueryState {
			return &QueryChanges{OldQueryState: sinceQueryState, NewQueryState: sinceQueryState}, nil
		}
		return nil, &MethodError{Method: "Email/queryChanges", Type: "cannotCalculateChanges"}
	}
	return ch, nil
}

func (m *MockAPI) SetEmails(ctx context.Context, patches []EmailPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls = append(m.SetCalls, slices.Clone(patches))
	if m.SetError != nil {
		return m.SetError
	}
	for _, p := range patches {
		e, ok := m.Emails[p.EmailID]
		if !ok {
			return fmt.Errorf("update email %s: not found", p.EmailID)
		}
		e.Keywords = applyPatch(e.Keywords, p.Keywords)
		e.MailboxIDs = applyPatch(e.MailboxIDs, p.Mailboxes)
		m.Emails[p.EmailID] = e
	}
	return nil
}

func applyPatch(set map[string]bool, patch map[string]bool) map[string]bool {
	if len(patch) == 0 {
		return set
	}
	out := make(map[string]bool, len(set)+len(patch))
	for k, v := range set {
		out[k] = v
	}
	for k, v := range patch {
		if v {
			out[k] = true
		} else {
			delete(out, k)
		}
	}
	return out
}

// lookupObjects follows JMAP /get: nil ids returns every object.
func lookupObjects[T any](objs map[string]T, ids []string, state string) *List[T] {
	out := &List[T]{State: state}
	if ids == nil {
		for _, id := range slices.Sorted(maps.Keys(objs)) {
			out.List = append(out.List, objs[id])
		}
		return out
	}
	for _, id := range ids {
		if obj, ok := objs[id]; ok {
			out.List = append(out.List, obj)
		} else {
			out.NotFound = append(out.NotFound, id)
		}
	}
	return out
}

func lookupChanges[T any](sets map[string]*Changes[T], since, current string) (*Changes[T], error) {
	if ch, ok := sets[since]; ok {
		return ch, nil
	}
	if since == current {
		return &Changes[T]{OldState: since, NewState: since}, nil
	}
	return nil, &MethodError{Method: "changes", Type: "cannotCalculateChanges"}
}
