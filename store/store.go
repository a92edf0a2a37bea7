// Package store: SQLite-backed call audit. Implements the server's
// Audit tap: one row per dispatched request plus a name table filled
// at registration time.
package store

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens the db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS methods (
			method_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			registered_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			method_id INTEGER NOT NULL,
			stream_id INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			code INTEGER NOT NULL DEFAULT 0,
			duration_us INTEGER NOT NULL,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_method ON calls(method_id);
	`)
	return err
}

// RecordMethod remembers the name behind a method id; id is stored as
// int64 (sqlite INTEGER) and converted back on read.
func (db *DB) RecordMethod(name string, methodID uint64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(
		"INSERT OR IGNORE INTO methods (method_id, name, registered_at) VALUES (?, ?, ?)",
		int64(methodID), name, now)
	return err
}

// RecordCall satisfies server.Audit; failures are logged, never
// surfaced into the request path.
func (db *DB) RecordCall(methodID uint64, streamID uint32, ok bool, code uint32, d time.Duration) {
	now := time.Now().UTC().Format(time.RFC3339)
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := db.Exec(
		"INSERT INTO calls (method_id, stream_id, ok, code, duration_us, at) VALUES (?, ?, ?, ?, ?, ?)",
		int64(methodID), int64(streamID), okInt, int64(code), d.Microseconds(), now)
	if err != nil {
		log.Println("store: record call:", err)
	}
}

// MethodStat: aggregated calls for one method id.
type MethodStat struct {
	MethodID uint64
	Name     string
	Calls    int64
	Errors   int64
}

// MethodStats aggregates calls per method, joined with recorded names
// (empty when the method was never registered through this store).
func (db *DB) MethodStats() ([]MethodStat, error) {
	rows, err := db.Query(`
		SELECT c.method_id,
		       COALESCE(m.name, ''),
		       COUNT(*),
		       SUM(CASE WHEN c.ok = 0 THEN 1 ELSE 0 END)
		FROM calls c
		LEFT JOIN methods m ON m.method_id = c.method_id
		GROUP BY c.method_id
		ORDER BY c.method_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MethodStat
	for rows.Next() {
		var s MethodStat
		var id int64
		if err := rows.Scan(&id, &s.Name, &s.Calls, &s.Errors); err != nil {
			return nil, err
		}
		s.MethodID = uint64(id)
		out = append(out, s)
	}
	return out, rows.Err()
}
