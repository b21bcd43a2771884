// Package store is the durable key/value surface under the sender and
// challenge components. It owns the connection pool to the backing Postgres
// database and is the only component that sees the raw ref encodings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ietf-tools/postconfirm/internal/logging"
	"github.com/ietf-tools/postconfirm/internal/sender"
)

// sourceRuntime marks rows written by the running service; static rows are
// populated offline and are read-only here.
const sourceRuntime = "postconfirm"

// PG is the Postgres-backed store. One instance is opened at startup and
// shared by all sessions.
type PG struct {
	db *sql.DB

	senderPatterns    *patternCache[sender.Pattern]
	challengePatterns *patternCache[challengeRule]
}

// Open connects to the database and verifies reachability. An unreachable
// database is a startup failure.
func Open(dsn string) (*PG, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &PG{db: db}
	s.senderPatterns = newPatternCache(s.loadSenderPatterns)
	s.challengePatterns = newPatternCache(s.loadChallengePatterns)
	return s, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *PG {
	s := &PG{db: db}
	s.senderPatterns = newPatternCache(s.loadSenderPatterns)
	s.challengePatterns = newPatternCache(s.loadChallengePatterns)
	return s
}

// Close releases the connection pool.
func (s *PG) Close() error {
	return s.db.Close()
}

// Ping reports database reachability, for the health endpoint.
func (s *PG) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates the tables if they do not exist. The field names are
// normative for compatibility with the admin tooling.
func (s *PG) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS senders (
		sender TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		ref TEXT,
		type CHAR(1) NOT NULL DEFAULT 'E',
		source TEXT NOT NULL DEFAULT 'postconfirm'
	);
	CREATE TABLE IF NOT EXISTS senders_static (
		sender TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		ref TEXT,
		type CHAR(1) NOT NULL DEFAULT 'E',
		source TEXT NOT NULL DEFAULT 'static'
	);
	CREATE TABLE IF NOT EXISTS stash (
		id SERIAL PRIMARY KEY,
		sender TEXT NOT NULL,
		recipients JSON NOT NULL,
		message TEXT NOT NULL,
		created TIMESTAMP NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS stash_static (
		id SERIAL PRIMARY KEY,
		sender TEXT NOT NULL,
		recipients JSON NOT NULL,
		message TEXT NOT NULL,
		created TIMESTAMP NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS challenges (
		challenge TEXT PRIMARY KEY,
		action_to_take TEXT NOT NULL,
		challenge_type CHAR(1) NOT NULL DEFAULT 'E'
	);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// GetSender looks the address up across the runtime and static tables. When
// both have a record the runtime action wins and the references are merged.
func (s *PG) GetSender(ctx context.Context, addr string) (sender.Action, []string, bool, error) {
	runtimeAction, runtimeRefs, runtimeOK, err := s.getSenderFrom(ctx, "senders", addr)
	if err != nil {
		return sender.ActionUnknown, nil, false, err
	}
	staticAction, staticRefs, staticOK, err := s.getSenderFrom(ctx, "senders_static", addr)
	if err != nil {
		return sender.ActionUnknown, nil, false, err
	}

	switch {
	case runtimeOK && staticOK:
		return runtimeAction, mergeRefSets(runtimeRefs, staticRefs), true, nil
	case runtimeOK:
		return runtimeAction, runtimeRefs, true, nil
	case staticOK:
		return staticAction, staticRefs, true, nil
	}
	return sender.ActionUnknown, nil, false, nil
}

func (s *PG) getSenderFrom(ctx context.Context, table, addr string) (sender.Action, []string, bool, error) {
	var actionStr string
	var ref sql.NullString

	query := fmt.Sprintf(`SELECT action, ref FROM %s WHERE sender = $1 AND type = 'E'`, table)
	err := s.db.QueryRowContext(ctx, query, addr).Scan(&actionStr, &ref)
	if errors.Is(err, sql.ErrNoRows) {
		return sender.ActionUnknown, nil, false, nil
	}
	if err != nil {
		return sender.ActionUnknown, nil, false, fmt.Errorf("store: get sender: %w", err)
	}

	action, known := sender.ParseAction(actionStr)
	if !known {
		logging.ErrorLog("store: sender %s has action %q outside the closed set, treating as unknown", addr, actionStr)
	}
	return action, decodeRefs(ref), true, nil
}

// UpsertSender inserts or updates the runtime record for the address in a
// single statement. Conflict key is the sender.
func (s *PG) UpsertSender(ctx context.Context, addr string, action sender.Action, refs []string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO senders (sender, action, ref, type, source)
			VALUES ($1, $2, $3, 'E', $4)
		ON CONFLICT (sender)
			DO UPDATE SET action = EXCLUDED.action, ref = EXCLUDED.ref`,
		addr, string(action), encodeRefs(refs), sourceRuntime,
	)
	if err != nil {
		return fmt.Errorf("store: upsert sender: %w", err)
	}
	s.senderPatterns.invalidate()
	return nil
}

// ListPatterns returns the compiled pattern entries, runtime table first.
// The compiled list is cached on the handle and rebuilt after writes.
func (s *PG) ListPatterns(ctx context.Context) ([]sender.Pattern, error) {
	return s.senderPatterns.get(ctx)
}

func (s *PG) loadSenderPatterns(ctx context.Context) ([]sender.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, action, ref FROM senders WHERE type = 'P'
		UNION ALL
		SELECT sender, action, ref FROM senders_static WHERE type = 'P'`)
	if err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []sender.Pattern
	for rows.Next() {
		var expr, actionStr string
		var ref sql.NullString
		if err := rows.Scan(&expr, &actionStr, &ref); err != nil {
			return nil, fmt.Errorf("store: list patterns: %w", err)
		}

		re, err := compileFullMatch(expr)
		if err != nil {
			logging.WarnLog("store: skipping invalid sender pattern %q: %v", expr, err)
			continue
		}
		action, known := sender.ParseAction(actionStr)
		if !known {
			logging.ErrorLog("store: pattern %q has action %q outside the closed set, treating as unknown", expr, actionStr)
		}
		patterns = append(patterns, sender.Pattern{Expr: re, Action: action, Refs: decodeRefs(ref)})
	}
	return patterns, rows.Err()
}

func mergeRefSets(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, r := range b {
		found := false
		for _, existing := range out {
			if existing == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}
