package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	capCore       = "urn:ietf:params:jmap:core"
	capMail       = "urn:ietf:params:jmap:mail"
	capSubmission = "urn:ietf:params:jmap:submission"

	defaultTimeout = 30 * time.Second
	defaultQPS     = 5.0
	maxBodyBytes   = 32 << 20
)

var emailProperties = []string{
	"id", "threadId", "mailboxIds", "keywords", "subject", "preview", "receivedAt", "size", "from",
}

// Session is the subset of the JMAP session resource the client uses.
type Session struct {
	APIURL          string            `json:"apiUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
	State           string            `json:"state"`
}

// Client implements API over HTTP.
type Client struct {
	sessionURL string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu        sync.Mutex
	session   *Session
	accountID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit caps the request rate in requests per second.
func WithRateLimit(qps float64) ClientOption {
	return func(c *Client) {
		if qps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
		}
	}
}

// WithHTTPClient replaces the HTTP client. The caller is responsible for
// authentication when using this option.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the session resource at sessionURL.
// Requests are authenticated with tokens from ts.
func NewClient(sessionURL string, ts oauth2.TokenSource, opts ...ClientOption) *Client {
	hc := oauth2.NewClient(context.Background(), ts)
	hc.Timeout = defaultTimeout
	c := &Client{
		sessionURL: sessionURL,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(defaultQPS), 1),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BearerToken returns a token source for a static API token.
func BearerToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Session fetches and caches the session resource.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	var sess Session
	if err := c.do(ctx, http.MethodGet, c.sessionURL, nil, &sess); err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	accountID := sess.PrimaryAccounts[capMail]
	if accountID == "" {
		return nil, fmt.Errorf("session has no primary mail account")
	}
	if sess.APIURL == "" {
		return nil, fmt.Errorf("session has no api url")
	}
	c.session = &sess
	c.accountID = accountID
	return c.session, nil
}

type request struct {
	Using       []string        `json:"using"`
	MethodCalls [][]interface{} `json:"methodCalls"`
}

type response struct {
	MethodResponses []json.RawMessage `json:"methodResponses"`
	SessionState    string            `json:"sessionState"`
}

// call invokes a single method and decodes its arguments into out.
func (c *Client) call(ctx context.Context, method string, args map[string]interface{}, out interface{}) error {
	sess, err := c.Session(ctx)
	if err != nil {
		return err
	}
	args["accountId"] = c.accountID

	body, err := json.Marshal(request{
		Using:       []string{capCore, capMail, capSubmission},
		MethodCalls: [][]interface{}{{method, args, "c0"}},
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	var resp response
	if err := c.do(ctx, http.MethodPost, sess.APIURL, body, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if len(resp.MethodResponses) != 1 {
		return fmt.Errorf("%s: expected 1 method response, got %d", method, len(resp.MethodResponses))
	}

	var invocation []json.RawMessage
	if err := json.Unmarshal(resp.MethodResponses[0], &invocation); err != nil || len(invocation) != 3 {
		return fmt.Errorf("%s: malformed method response", method)
	}
	var name string
	if err := json.Unmarshal(invocation[0], &name); err != nil {
		return fmt.Errorf("%s: malformed method name: %w", method, err)
	}
	if name == "error" {
		merr := &MethodError{Method: method}
		if err := json.Unmarshal(invocation[1], merr); err != nil {
			return fmt.Errorf("%s: malformed error response: %w", method, err)
		}
		return merr
	}
	if err := json.Unmarshal(invocation[1], out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("jmap request", "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type getResponse[T any] struct {
	State    string   `json:"state"`
	List     []T      `json:"list"`
	NotFound []string `json:"notFound"`
}

type changesResponse struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

// get calls Type/get. A nil ids slice fetches every object.
func get[T any](ctx context.Context, c *Client, typ string, ids []string, properties []string) (*List[T], error) {
	args := map[string]interface{}{"ids": ids}
	if properties != nil {
		args["properties"] = properties
	}
	var resp getResponse[T]
	if err := c.call(ctx, typ+"/get", args, &resp); err != nil {
		return nil, err
	}
	return &List[T]{State: resp.State, List: resp.List, NotFound: resp.NotFound}, nil
}

// changes calls Type/changes and resolves created and updated ids into
// full snapshots with a follow-up Type/get.
func changes[T interface{ ObjectID() string }](ctx context.Context, c *Client, typ, since string, properties []string) (*Changes[T], error) {
	var resp changesResponse
	if err := c.call(ctx, typ+"/changes", map[string]interface{}{"sinceState": since}, &resp); err != nil {
		return nil, err
	}
	out := &Changes[T]{
		OldState:       resp.OldState,
		NewState:       resp.NewState,
		HasMoreChanges: resp.HasMoreChanges,
		Destroyed:      resp.Destroyed,
	}

	ids := append(append([]string{}, resp.Created...), resp.Updated...)
	if len(ids) == 0 {
		return out, nil
	}
	objs, err := get[T](ctx, c, typ, ids, properties)
	if err != nil {
		return nil, err
	}
	created := make(map[string]bool, len(resp.Created))
	for _, id := range resp.Created {
		created[id] = true
	}
	for _, obj := range objs.List {
		if created[obj.ObjectID()] {
			out.Created = append(out.Created, obj)
		} else {
			out.Updated = append(out.Updated, obj)
		}
	}
	// Objects destroyed between the two calls are reported as destroyed.
	out.Destroyed = append(out.Destroyed, objs.NotFound...)
	return out, nil
}

func (c *Client) GetMailboxes(ctx context.Context) (*List[Mailbox], error) {
	return get[Mailbox](ctx, c, "Mailbox", nil, nil)
}

func (c *Client) MailboxChanges(ctx context.Context, sinceState string) (*Changes[Mailbox], error) {
	return changes[Mailbox](ctx, c, "Mailbox", sinceState, nil)
}

func (c *Client) GetIdentities(ctx context.Context) (*List[Identity], error) {
	return get[Identity](ctx, c, "Identity", nil, nil)
}

func (c *Client) IdentityChanges(ctx context.Context, sinceState string) (*Changes[Identity], error) {
	return changes[Identity](ctx, c, "Identity", sinceState, nil)
}

func (c *Client) GetThreads(ctx context.Context, ids []string) (*List[Thread], error) {
	return get[Thread](ctx, c, "Thread", ids, nil)
}

func (c *Client) ThreadChanges(ctx context.Context, sinceState string) (*Changes[Thread], error) {
	return changes[Thread](ctx, c, "Thread", sinceState, nil)
}

func (c *Client) GetEmails(ctx context.Context, ids []string) (*List[Email], error) {
	return get[Email](ctx, c, "Email", ids, emailProperties)
}

func (c *Client) EmailChanges(ctx context.Context, sinceState string) (*Changes[Email], error) {
	return changes[Email](ctx, c, "Email", sinceState, emailProperties)
}

type queryResponse struct {
	QueryState          string   `json:"queryState"`
	CanCalculateChanges bool     `json:"canCalculateChanges"`
	Position            int      `json:"position"`
	IDs                 []string `json:"ids"`
	Total               int      `json:"total"`
}

func queryArgs(q EmailQuery) map[string]interface{} {
	q = q.normalized()
	args := map[string]interface{}{
		"sort":            q.Sort,
		"collapseThreads": q.CollapseThreads,
	}
	if q.Filter != nil {
		args["filter"] = q.Filter
	}
	return args
}

// threadIDs resolves the thread of every email id with a single Email/get.
func (c *Client) threadIDs(ctx context.Context, emailIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(emailIDs))
	if len(emailIDs) == 0 {
		return out, nil
	}
	emails, err := get[Email](ctx, c, "Email", emailIDs, []string{"id", "threadId"})
	if err != nil {
		return nil, err
	}
	for _, e := range emails.List {
		out[e.ID] = e.ThreadID
	}
	return out, nil
}

func (c *Client) QueryEmails(ctx context.Context, q EmailQuery, page PageRequest) (*QueryResult, error) {
	args := queryArgs(q)
	args["calculateTotal"] = true
	if page.Anchor != "" {
		args["anchor"] = page.Anchor
		args["anchorOffset"] = page.AnchorOffset
	} else {
		args["position"] = page.Position
	}
	if page.Limit > 0 {
		args["limit"] = page.Limit
	}

	var resp queryResponse
	if err := c.call(ctx, "Email/query", args, &resp); err != nil {
		return nil, err
	}
	threads, err := c.threadIDs(ctx, resp.IDs)
	if err != nil {
		return nil, err
	}
	items := make([]QueryItem, 0, len(resp.IDs))
	for _, id := range resp.IDs {
		items = append(items, QueryItem{EmailID: id, ThreadID: threads[id]})
	}
	return &QueryResult{
		QueryState:          resp.QueryState,
		CanCalculateChanges: resp.CanCalculateChanges,
		Position:            resp.Position,
		Total:               resp.Total,
		Items:               items,
	}, nil
}

type queryChangesResponse struct {
	OldQueryState string   `json:"oldQueryState"`
	NewQueryState string   `json:"newQueryState"`
	Total         int      `json:"total"`
	Removed       []string `json:"removed"`
	Added         []struct {
		ID    string `json:"id"`
		Index int    `json:"index"`
	} `json:"added"`
}

func (c *Client) QueryEmailChanges(ctx context.Context, q EmailQuery, sinceQueryState string) (*QueryChanges, error) {
	args := queryArgs(q)
	args["sinceQueryState"] = sinceQueryState
	args["calculateTotal"] = true

	var resp queryChangesResponse
	if err := c.call(ctx, "Email/queryChanges", args, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Added))
	for _, a := range resp.Added {
		ids = append(ids, a.ID)
	}
	threads, err := c.threadIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := &QueryChanges{
		OldQueryState: resp.OldQueryState,
		NewQueryState: resp.NewQueryState,
		Total:         resp.Total,
		Removed:       resp.Removed,
	}
	for _, a := range resp.Added {
		out.Added = append(out.Added, AddedItem{
			Index: a.Index,
			Item:  QueryItem{EmailID: a.ID, ThreadID: threads[a.ID]},
		})
	}
	return out, nil
}

type setResponse struct {
	NotUpdated map[string]MethodError `json:"notUpdated"`
}

// patchObject converts an EmailPatch into a JMAP PatchObject. Cleared
// entries are sent as null.
func patchObject(p EmailPatch) map[string]interface{} {
	patch := make(map[string]interface{}, len(p.Keywords)+len(p.Mailboxes))
	for k, v := range p.Keywords {
		patch["keywords/"+CanonicalKeyword(k)] = patchValue(v)
	}
	for id, v := range p.Mailboxes {
		patch["mailboxIds/"+id] = patchValue(v)
	}
	return patch
}

func patchValue(v bool) interface{} {
	if v {
		return true
	}
	return nil
}

func (c *Client) SetEmails(ctx context.Context, patches []EmailPatch) error {
	if len(patches) == 0 {
		return nil
	}
	update := make(map[string]interface{}, len(patches))
	for _, p := range patches {
		update[p.EmailID] = patchObject(p)
	}
	var resp setResponse
	if err := c.call(ctx, "Email/set", map[string]interface{}{"update": update}, &resp); err != nil {
		return err
	}
	for id, serr := range resp.NotUpdated {
		serr.Method = "Email/set"
		return fmt.Errorf("update email %s: %w", id, &serr)
	}
	return nil
}
