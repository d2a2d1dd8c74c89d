// ABOUTME: sqlite-backed implementation of the DB contract
// ABOUTME: Stores the media file catalog and the player's persisted config KV
package mediadb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id       INTEGER PRIMARY KEY,
	path     TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	artist   TEXT NOT NULL DEFAULT '',
	album    TEXT NOT NULL DEFAULT '',
	track    INTEGER NOT NULL DEFAULT 0,
	disabled INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// SQLiteDB is a DB backed by a modernc.org/sqlite file (or ":memory:").
type SQLiteDB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed media database.
func Open(path string) (*SQLiteDB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mediadb: open %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mediadb: apply schema: %w", err)
	}
	return &SQLiteDB{conn: conn}, nil
}

// AddFile inserts or replaces a catalog row. Exported for test/seed setup;
// the real "media database" the spec treats as external would populate
// this table out of band.
func (d *SQLiteDB) AddFile(f FileMeta) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO files (id, path, title, artist, album, disabled) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Path, f.Title, f.Artist, f.Album, boolToInt(f.Disabled),
	)
	return err
}

func (d *SQLiteDB) Query(query string, sort SortKey) (Iterator, error) {
	pred, err := parsePredicate(query)
	if err != nil {
		return nil, err
	}

	where, args := pred.whereClause()
	stmt := fmt.Sprintf("SELECT id, path, title, artist, album, disabled FROM files WHERE %s %s", where, orderClause(sort))

	rows, err := d.conn.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("mediadb: query: %w", err)
	}
	return &sqlIterator{rows: rows}, nil
}

func (d *SQLiteDB) FetchByID(id uint32) (FileMeta, error) {
	row := d.conn.QueryRow(`SELECT id, path, title, artist, album, disabled FROM files WHERE id = ?`, id)

	var f FileMeta
	var disabled int
	if err := row.Scan(&f.ID, &f.Path, &f.Title, &f.Artist, &f.Album, &disabled); err != nil {
		if err == sql.ErrNoRows {
			return FileMeta{}, ErrNotFound
		}
		return FileMeta{}, fmt.Errorf("mediadb: fetch %d: %w", id, err)
	}
	f.Disabled = disabled != 0
	return f, nil
}

func (d *SQLiteDB) ConfigGetInt(key string) (int, bool, error) {
	row := d.conn.QueryRow(`SELECT value FROM config WHERE key = ?`, key)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

func (d *SQLiteDB) ConfigSetInt(key string, value int) error {
	_, err := d.conn.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (d *SQLiteDB) Close() error {
	return d.conn.Close()
}

type sqlIterator struct {
	rows *sql.Rows
}

func (it *sqlIterator) Next() (FileMeta, bool) {
	if !it.rows.Next() {
		return FileMeta{}, false
	}
	var f FileMeta
	var disabled int
	if err := it.rows.Scan(&f.ID, &f.Path, &f.Title, &f.Artist, &f.Album, &disabled); err != nil {
		return FileMeta{}, false
	}
	f.Disabled = disabled != 0
	return f, true
}

func (it *sqlIterator) Close() error {
	return it.rows.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
