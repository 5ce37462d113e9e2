package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
)

// QueryItem is a stored query result row.
type QueryItem struct {
	Position int
	ThreadID string
	EmailID  string
}

// QueryState is what a sync worker needs to choose between a full and an
// incremental fetch.
type QueryState struct {
	QueryString         string
	State               string // empty when never synced
	CanCalculateChanges bool
	Valid               bool
	LastItem            *QueryItem // nil when the query has no items
}

// DeltaResult reports what ApplyDelta did.
type DeltaResult struct {
	Applied bool // false when the delta was already applied
	Removed int
	Added   int
	Skipped int // added items whose index could not be placed
}

type queryRecord struct {
	id                  int64
	state               sql.NullString
	canCalculateChanges bool
	valid               bool
}

func (tx *Tx) lookupQuery(query string) (*queryRecord, error) {
	var rec queryRecord
	err := tx.tx.QueryRow(`
		SELECT id, state, can_calculate_changes, valid
		FROM queries WHERE query_string = ?
	`, query).Scan(&rec.id, &rec.state, &rec.canCalculateChanges, &rec.valid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read query: %w", err)
	}
	return &rec, nil
}

func (tx *Tx) lastItem(queryID int64) (*QueryItem, error) {
	var it QueryItem
	err := tx.tx.QueryRow(`
		SELECT position, thread_id, email_id FROM query_items
		WHERE query_id = ?
		ORDER BY position DESC LIMIT 1
	`, queryID).Scan(&it.Position, &it.ThreadID, &it.EmailID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last query item: %w", err)
	}
	return &it, nil
}

func (tx *Tx) countItems(queryID int64) (int, error) {
	var n int
	if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM query_items WHERE query_id = ?`, queryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query items: %w", err)
	}
	return n, nil
}

// QueryState returns the sync state of query, or nil if it isn't cached.
func (tx *Tx) QueryState(query string) (*QueryState, error) {
	rec, err := tx.lookupQuery(query)
	if err != nil || rec == nil {
		return nil, err
	}
	last, err := tx.lastItem(rec.id)
	if err != nil {
		return nil, err
	}
	return &QueryState{
		QueryString:         query,
		State:               rec.state.String,
		CanCalculateChanges: rec.canCalculateChanges,
		Valid:               rec.valid,
		LastItem:            last,
	}, nil
}

// SetQueryResult replaces the cached result of query. An empty result
// deletes the query.
func (tx *Tx) SetQueryResult(query string, items []jmap.QueryItem, state string, canCalculateChanges bool) error {
	if len(items) == 0 {
		if _, err := tx.tx.Exec(`DELETE FROM queries WHERE query_string = ?`, query); err != nil {
			return fmt.Errorf("delete query: %w", err)
		}
		_, err := tx.PruneExecuted(query)
		return err
	}

	_, err := tx.tx.Exec(`
		INSERT INTO queries (query_string, state, can_calculate_changes, valid)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(query_string) DO UPDATE SET
			state = excluded.state,
			can_calculate_changes = excluded.can_calculate_changes,
			valid = 1
	`, query, nullIfEmpty(state), canCalculateChanges)
	if err != nil {
		return fmt.Errorf("upsert query: %w", err)
	}

	rec, err := tx.lookupQuery(query)
	if err != nil {
		return err
	}
	if _, err := tx.tx.Exec(`DELETE FROM query_items WHERE query_id = ?`, rec.id); err != nil {
		return fmt.Errorf("clear query items: %w", err)
	}
	if err := tx.insertItems(rec.id, 0, items); err != nil {
		return err
	}
	_, err = tx.PruneExecuted(query)
	return err
}

func (tx *Tx) insertItems(queryID int64, start int, items []jmap.QueryItem) error {
	err := insertInChunks(tx.tx, len(items), 4,
		`INSERT INTO query_items (query_id, position, thread_id, email_id) VALUES `,
		func(from, to int) ([]string, []interface{}) {
			values := make([]string, 0, to-from)
			args := make([]interface{}, 0, (to-from)*4)
			for i := from; i < to; i++ {
				values = append(values, "(?, ?, ?, ?)")
				args = append(args, queryID, start+i, items[i].ThreadID, items[i].EmailID)
			}
			return values, args
		})
	if err != nil {
		return fmt.Errorf("insert query items: %w", err)
	}
	return nil
}

// AppendPage appends the page that starts at position to query. afterID is
// the email or thread id of the item the page was requested after, and
// expectedState the query state the server reported with the page.
func (tx *Tx) AppendPage(query, afterID string, position int, items []jmap.QueryItem, expectedState string) error {
	rec, err := tx.lookupQuery(query)
	if err != nil {
		return err
	}
	if rec == nil || !rec.valid || !rec.state.Valid {
		return notSynchronizedf("append to %s", query)
	}
	if rec.state.String != expectedState {
		return conflictf("append to %s: page state %q, cached state %q", query, expectedState, rec.state.String)
	}

	last, err := tx.lastItem(rec.id)
	if err != nil {
		return err
	}
	if last == nil || (last.EmailID != afterID && last.ThreadID != afterID) {
		return conflictf("append to %s: page follows %q which is not the last cached item", query, afterID)
	}
	if last.Position != position-1 {
		return corruptf("append to %s: last cached position %d, page starts at %d", query, last.Position, position)
	}

	if len(items) == 0 {
		return nil
	}
	return tx.insertItems(rec.id, position, items)
}

// removeItem deletes the item for emailID and closes the gap it leaves.
func (tx *Tx) removeItem(queryID int64, emailID string) (threadID string, found bool, err error) {
	var rowID int64
	var pos int
	err = tx.tx.QueryRow(`
		SELECT id, position, thread_id FROM query_items
		WHERE query_id = ? AND email_id = ?
		ORDER BY position LIMIT 1
	`, queryID, emailID).Scan(&rowID, &pos, &threadID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find query item: %w", err)
	}

	if _, err := tx.tx.Exec(`DELETE FROM query_items WHERE id = ?`, rowID); err != nil {
		return "", false, fmt.Errorf("delete query item: %w", err)
	}
	if _, err := tx.tx.Exec(`
		UPDATE query_items SET position = position - 1
		WHERE query_id = ? AND position > ?
	`, queryID, pos); err != nil {
		return "", false, fmt.Errorf("decrement positions: %w", err)
	}
	return threadID, true, nil
}

// insertItem opens a gap at index and places item in it.
func (tx *Tx) insertItem(queryID int64, index int, item jmap.QueryItem) error {
	if _, err := tx.tx.Exec(`
		UPDATE query_items SET position = position + 1
		WHERE query_id = ? AND position >= ?
	`, queryID, index); err != nil {
		return fmt.Errorf("increment positions: %w", err)
	}
	if _, err := tx.tx.Exec(`
		INSERT INTO query_items (query_id, position, thread_id, email_id) VALUES (?, ?, ?, ?)
	`, queryID, index, item.ThreadID, item.EmailID); err != nil {
		return fmt.Errorf("insert query item: %w", err)
	}
	return nil
}

// ApplyDelta applies a query diff moving the query from oldState to
// newState. Removals are applied first, then additions in ascending index
// order. Additions whose index is outside [0, count] are skipped. The
// state moves by compare-and-swap; a mismatch is a conflict and rolls back
// the whole batch.
//
// Query-item overwrites of the query that were already executed are
// deleted, and active ones whose thread the diff touches are marked
// executed.
func (tx *Tx) ApplyDelta(query string, removed []string, added []jmap.AddedItem, newState, oldState string) (DeltaResult, error) {
	var res DeltaResult

	rec, err := tx.lookupQuery(query)
	if err != nil {
		return res, err
	}
	if rec == nil || !rec.valid || !rec.state.Valid {
		return res, notSynchronizedf("apply delta to %s", query)
	}
	if rec.state.String == newState {
		return res, nil
	}

	touched := make(map[string]bool)
	for _, emailID := range removed {
		threadID, found, err := tx.removeItem(rec.id, emailID)
		if err != nil {
			return res, err
		}
		if found {
			touched[threadID] = true
			res.Removed++
		}
	}

	sorted := make([]jmap.AddedItem, len(added))
	copy(sorted, added)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, a := range sorted {
		// A moved item may be announced as added without a removal.
		threadID, found, err := tx.removeItem(rec.id, a.Item.EmailID)
		if err != nil {
			return res, err
		}
		if found {
			touched[threadID] = true
		}

		count, err := tx.countItems(rec.id)
		if err != nil {
			return res, err
		}
		if a.Index < 0 || a.Index > count {
			res.Skipped++
			continue
		}
		if err := tx.insertItem(rec.id, a.Index, a.Item); err != nil {
			return res, err
		}
		touched[a.Item.ThreadID] = true
		res.Added++
	}

	result, err := tx.tx.Exec(`
		UPDATE queries SET state = ? WHERE id = ? AND state = ?
	`, newState, rec.id, oldState)
	if err != nil {
		return res, fmt.Errorf("update query state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("update query state: %w", err)
	}
	if n == 0 {
		return res, conflictf("apply delta to %s: cached state %q is not %q", query, rec.state.String, oldState)
	}

	if _, err := tx.PruneExecuted(query); err != nil {
		return res, err
	}
	for threadID := range touched {
		if err := tx.markQueryItemOverwriteExecuted(query, threadID); err != nil {
			return res, err
		}
	}

	if err := tx.checkContiguous(query, rec.id); err != nil {
		return res, err
	}
	res.Applied = true
	return res, nil
}

// Invalidate marks query as invalid. Its items are hidden from reads until a
// full result replaces them.
func (tx *Tx) Invalidate(query string) error {
	if _, err := tx.tx.Exec(`UPDATE queries SET valid = 0 WHERE query_string = ?`, query); err != nil {
		return fmt.Errorf("invalidate query: %w", err)
	}
	return nil
}

// QueryItems returns the items of a valid query in position order.
func (tx *Tx) QueryItems(query string) ([]QueryItem, error) {
	return tx.scanItems(`
		SELECT qi.position, qi.thread_id, qi.email_id
		FROM query_items qi
		JOIN queries q ON q.id = qi.query_id
		WHERE q.query_string = ? AND q.valid = 1
		ORDER BY qi.position
	`, query)
}

// VisibleQueryItems returns QueryItems minus the threads hidden by
// query-item overwrites.
func (tx *Tx) VisibleQueryItems(query string) ([]QueryItem, error) {
	return tx.scanItems(`
		SELECT qi.position, qi.thread_id, qi.email_id
		FROM query_items qi
		JOIN queries q ON q.id = qi.query_id
		WHERE q.query_string = ? AND q.valid = 1
		  AND qi.thread_id NOT IN (
			SELECT thread_id FROM query_item_overwrites WHERE query_string = q.query_string
		  )
		ORDER BY qi.position
	`, query)
}

func (tx *Tx) scanItems(query string, args ...interface{}) ([]QueryItem, error) {
	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list query items: %w", err)
	}
	defer rows.Close()

	var items []QueryItem
	for rows.Next() {
		var it QueryItem
		if err := rows.Scan(&it.Position, &it.ThreadID, &it.EmailID); err != nil {
			return nil, fmt.Errorf("scan query item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query items: %w", err)
	}
	return items, nil
}

// CheckContiguous verifies that the positions of query are exactly 0..n-1.
func (tx *Tx) CheckContiguous(query string) error {
	rec, err := tx.lookupQuery(query)
	if err != nil || rec == nil {
		return err
	}
	return tx.checkContiguous(query, rec.id)
}

func (tx *Tx) checkContiguous(query string, queryID int64) error {
	var count, distinct, lo, hi int
	err := tx.tx.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT position),
		       COALESCE(MIN(position), 0), COALESCE(MAX(position), -1)
		FROM query_items WHERE query_id = ?
	`, queryID).Scan(&count, &distinct, &lo, &hi)
	if err != nil {
		return fmt.Errorf("check positions: %w", err)
	}
	if count == 0 {
		return nil
	}
	if distinct != count || lo != 0 || hi != count-1 {
		return corruptf("query %s: %d items span positions %d..%d with %d distinct", query, count, lo, hi, distinct)
	}
	return nil
}

// ListQueries returns the state of every cached query.
func (tx *Tx) ListQueries() ([]QueryState, error) {
	rows, err := tx.tx.Query(`SELECT query_string FROM queries ORDER BY query_string`)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan query: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}

	out := make([]QueryState, 0, len(names))
	for _, name := range names {
		qs, err := tx.QueryState(name)
		if err != nil {
			return nil, err
		}
		if qs != nil {
			out = append(out, *qs)
		}
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetQueryState returns the sync state of query, or nil if it isn't cached.
func (s *Store) GetQueryState(ctx context.Context, query string) (*QueryState, error) {
	var out *QueryState
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.QueryState(query)
		return err
	})
	return out, err
}

// SetQueryResult replaces the cached result of query.
func (s *Store) SetQueryResult(ctx context.Context, query string, items []jmap.QueryItem, state string, canCalculateChanges bool) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetQueryResult(query, items, state, canCalculateChanges)
	})
}

// AppendPage appends a page to query.
func (s *Store) AppendPage(ctx context.Context, query, afterID string, position int, items []jmap.QueryItem, expectedState string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.AppendPage(query, afterID, position, items, expectedState)
	})
}

// ApplyDelta applies a query diff atomically.
func (s *Store) ApplyDelta(ctx context.Context, query string, removed []string, added []jmap.AddedItem, newState, oldState string) (DeltaResult, error) {
	var res DeltaResult
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.ApplyDelta(query, removed, added, newState, oldState)
		return err
	})
	return res, err
}

// Invalidate marks query as invalid.
func (s *Store) Invalidate(ctx context.Context, query string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Invalidate(query)
	})
}

// QueryItems returns the items of a valid query in position order.
func (s *Store) QueryItems(ctx context.Context, query string) ([]QueryItem, error) {
	var out []QueryItem
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.QueryItems(query)
		return err
	})
	return out, err
}
