package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ietf-tools/postconfirm/internal/logging"
	"github.com/ietf-tools/postconfirm/internal/sender"
)

// Stash appends the message to the runtime stash and returns the new row id.
func (s *PG) Stash(ctx context.Context, addr string, recipients []string, message []byte) (int64, error) {
	encoded, err := json.Marshal(recipients)
	if err != nil {
		return 0, fmt.Errorf("store: stash: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO stash (sender, recipients, message)
			VALUES ($1, $2, $3)
		RETURNING id`,
		addr, string(encoded), string(message),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: stash: %w", err)
	}
	return id, nil
}

type stashRow struct {
	id         int64
	table      string
	recipients []string
	message    []byte
}

// stashIter hands out stash entries, deleting each row before it is
// returned. Anything the caller has seen is durably removed; a consumer
// crash loses at most the entry in flight.
type stashIter struct {
	ctx     context.Context
	db      *sql.DB
	pending []stashRow
	current stashRow
	err     error
	done    bool
}

// DrainStash iterates the stash for the address, runtime entries first, then
// static ones.
func (s *PG) DrainStash(ctx context.Context, addr string) sender.StashIter {
	it := &stashIter{ctx: ctx, db: s.db}

	for _, table := range []string{"stash", "stash_static"} {
		rows, err := s.loadStashRows(ctx, table, addr)
		if err != nil {
			it.err = err
			return it
		}
		it.pending = append(it.pending, rows...)
	}
	return it
}

// loadStashRows buffers the rows up front so the per-entry deletes do not
// clobber an open cursor.
func (s *PG) loadStashRows(ctx context.Context, table, addr string) ([]stashRow, error) {
	query := fmt.Sprintf(`SELECT id, recipients, message FROM %s WHERE sender = $1 ORDER BY id`, table)
	rows, err := s.db.QueryContext(ctx, query, addr)
	if err != nil {
		return nil, fmt.Errorf("store: drain stash: %w", err)
	}
	defer rows.Close()

	var out []stashRow
	for rows.Next() {
		var row stashRow
		var recipientsJSON, message string
		if err := rows.Scan(&row.id, &recipientsJSON, &message); err != nil {
			return nil, fmt.Errorf("store: drain stash: %w", err)
		}
		if err := json.Unmarshal([]byte(recipientsJSON), &row.recipients); err != nil {
			logging.ErrorLog("store: stash row %d in %s has unreadable recipients, skipping: %v", row.id, table, err)
			continue
		}
		row.table = table
		row.message = []byte(message)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (it *stashIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if len(it.pending) == 0 {
		it.done = true
		return false
	}

	row := it.pending[0]
	it.pending = it.pending[1:]

	// Delete before handing the entry out, so an interrupted consumer can
	// never see the same entry twice.
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, row.table)
	if _, err := it.db.ExecContext(it.ctx, query, row.id); err != nil {
		it.err = fmt.Errorf("store: drain stash delete: %w", err)
		return false
	}

	it.current = row
	return true
}

func (it *stashIter) Recipients() []string {
	return it.current.recipients
}

func (it *stashIter) Message() []byte {
	return it.current.message
}

func (it *stashIter) Err() error {
	return it.err
}

func (it *stashIter) Close() error {
	it.pending = nil
	it.done = true
	return nil
}
