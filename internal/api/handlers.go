package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/isabella232/lttrs-android-sub000/internal/account"
	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/outbox"
	"github.com/isabella232/lttrs-android-sub000/internal/scheduler"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	syncer "github.com/isabella232/lttrs-android-sub000/internal/sync"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	ID           string          `json:"id"`
	SessionURL   string          `json:"session_url"`
	Schedule     string          `json:"schedule,omitempty"`
	Enabled      bool            `json:"enabled"`
	Syncing      bool            `json:"syncing"`
	LastSyncAt   string          `json:"last_sync_at,omitempty"`
	NextSyncAt   string          `json:"next_sync_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	LastSync     *syncer.Summary `json:"last_sync,omitempty"`
	SkippedTicks int             `json:"skipped_ticks,omitempty"`
}

// QueryResponse is a rendered query view.
type QueryResponse struct {
	Query  string      `json:"query"`
	State  string      `json:"state,omitempty"`
	Valid  bool        `json:"valid"`
	Synced bool        `json:"synced"`
	Rows   []cache.Row `json:"rows"`
}

// LoadMoreResponse reports how many items a page appended.
type LoadMoreResponse struct {
	Query    string `json:"query"`
	Appended int    `json:"appended"`
}

// SubmitResponse carries the id of a queued action.
type SubmitResponse struct {
	ID     string        `json:"id"`
	Status outbox.Status `json:"status"`
}

// SyncResponse summarizes a sync run started through the API.
type SyncResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Summary *syncer.Summary `json:"summary,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool                      `json:"running"`
	Accounts []scheduler.AccountStatus `json:"accounts"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeCacheError maps cache and store errors to responses.
func (s *Server) writeCacheError(w http.ResponseWriter, op string, err error) {
	switch kind := store.KindOf(err); kind {
	case store.KindConflict, store.KindNotSynchronized:
		writeError(w, http.StatusConflict, kind.String(), err.Error())
	default:
		s.logger.Error(op+" failed", "kind", kind.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", op+" failed")
	}
}

// account resolves the {account} URL parameter. It writes the error
// response and returns nil when the account can't be used.
func (s *Server) account(w http.ResponseWriter, r *http.Request) *account.Account {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "accounts_unavailable", "No accounts are open")
		return nil
	}
	id := chi.URLParam(r, "account")
	a, err := s.accounts.Get(id)
	switch {
	case errors.Is(err, account.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "not_found", "Account not found: "+id)
		return nil
	case errors.Is(err, account.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "accounts_unavailable", "Server is shutting down")
		return nil
	case err != nil:
		s.logger.Error("failed to open account", "account", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to open account")
		return nil
	}
	return a
}

// parseQuery reads the canonical query string from the q parameter.
func parseQuery(w http.ResponseWriter, r *http.Request) (jmap.EmailQuery, bool) {
	raw := r.URL.Query().Get("q")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return jmap.EmailQuery{}, false
	}
	q, err := jmap.ParseQuery(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return jmap.EmailQuery{}, false
	}
	return q, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleListAccounts returns all configured accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]AccountStatus)
	if s.scheduler != nil {
		for _, st := range s.scheduler.Status() {
			statuses[st.Account] = st
		}
	}

	accounts := make([]AccountInfo, 0, len(s.cfg.Accounts))
	for _, acc := range s.cfg.Accounts {
		info := AccountInfo{
			ID:         acc.ID,
			SessionURL: acc.SessionURL,
			Schedule:   acc.Schedule,
			Enabled:    acc.Enabled,
		}
		if st, ok := statuses[acc.ID]; ok {
			info.Syncing = st.Running
			info.LastSyncAt = formatTime(st.LastRun)
			info.NextSyncAt = formatTime(st.NextRun)
			info.LastError = st.LastError
			info.LastSync = st.LastSummary
			info.SkippedTicks = st.SkippedTicks
		}
		accounts = append(accounts, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
	})
}

// handleMailboxes lists the cached mailboxes of an account.
func (s *Server) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	mailboxes, err := a.Engine().Mailboxes(r.Context())
	if err != nil {
		s.writeCacheError(w, "list mailboxes", err)
		return
	}
	if mailboxes == nil {
		mailboxes = []jmap.Mailbox{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mailboxes": mailboxes})
}

// handleIdentities lists the cached identities of an account.
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	identities, err := a.Engine().Identities(r.Context())
	if err != nil {
		s.writeCacheError(w, "list identities", err)
		return
	}
	if identities == nil {
		identities = []jmap.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"identities": identities})
}

// handleQuery renders a query view with overwrites applied.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	q, ok := parseQuery(w, r)
	if !ok {
		return
	}
	key := q.String()

	qs, err := a.Engine().QueryState(r.Context(), key)
	if err != nil {
		s.writeCacheError(w, "read query state", err)
		return
	}
	rows, err := a.Engine().QueryView(r.Context(), key)
	if err != nil {
		s.writeCacheError(w, "render query", err)
		return
	}

	resp := QueryResponse{Query: key, Rows: rows}
	if qs != nil {
		resp.State = qs.State
		resp.Valid = qs.Valid
		resp.Synced = qs.State != ""
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLoadMore appends the next page of a query.
func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	q, ok := parseQuery(w, r)
	if !ok {
		return
	}
	n, err := a.LoadMore(r.Context(), q)
	if err != nil {
		s.writeCacheError(w, "load more", err)
		return
	}
	writeJSON(w, http.StatusOK, LoadMoreResponse{Query: q.String(), Appended: n})
}

// handleThread returns one cached thread.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "thread")
	thread, err := a.Engine().Thread(r.Context(), id)
	if err != nil {
		s.writeCacheError(w, "read thread", err)
		return
	}
	if thread == nil {
		writeError(w, http.StatusNotFound, "not_found", "Thread not found")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// handleListActions lists queued, running and recent actions.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": a.Outbox().Tasks()})
}

// handleSubmitAction applies an action to the cache and queues it.
func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}

	var action cache.Action
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	if err := action.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}

	id, err := a.Outbox().Submit(r.Context(), action)
	switch {
	case errors.Is(err, outbox.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "outbox_stopped", "Account is closing")
		return
	case err != nil:
		s.writeCacheError(w, "submit action", err)
		return
	}

	s.logger.Info("action queued via API", "account", a.ID(), "task", id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: outbox.StatusQueued})
}

// handleCancelAction cancels an action and rolls its overwrites back.
func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	a := s.account(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")

	err := a.Outbox().Cancel(r.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "not_found", "Action not found or already finished")
	case errors.Is(err, outbox.ErrAlreadySent):
		writeError(w, http.StatusConflict, "already_sent", "Action already reached the server")
	case err != nil:
		s.logger.Error("failed to cancel action", "account", a.ID(), "task", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel action")
	default:
		writeJSON(w, http.StatusOK, SubmitResponse{ID: id, Status: outbox.StatusCancelled})
	}
}

// handleTriggerSync starts a sync. Scheduled accounts sync in the
// background through the scheduler; others sync within the request.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "account")

	if s.scheduler != nil && s.scheduler.IsScheduled(id) {
		err := s.scheduler.TriggerSync(id)
		switch {
		case errors.Is(err, scheduler.ErrSyncRunning):
			writeError(w, http.StatusConflict, "sync_running", err.Error())
			return
		case errors.Is(err, scheduler.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "scheduler_stopped", "Server is shutting down")
			return
		case err != nil:
			s.logger.Error("failed to trigger sync", "account", id, "error", err)
			writeError(w, http.StatusInternalServerError, "sync_error", err.Error())
			return
		}
		s.logger.Info("sync triggered via API", "account", id)
		writeJSON(w, http.StatusAccepted, SyncResponse{
			Status:  "accepted",
			Message: "Sync started for " + id,
		})
		return
	}

	a := s.account(w, r)
	if a == nil {
		return
	}
	summary, err := a.Sync(r.Context())
	if err != nil {
		s.logger.Error("sync failed", "account", id, "error", err)
		writeError(w, http.StatusBadGateway, "sync_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Status: "done", Summary: summary})
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not running")
		return
	}
	statuses := s.scheduler.Status()
	if statuses == nil {
		statuses = []AccountStatus{}
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: statuses,
	})
}
