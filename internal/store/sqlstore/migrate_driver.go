package sqlstore

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

// vkSQLiteDriver adapts modernc.org/sqlite (a pure-Go, non-cgo driver) to
// golang-migrate's database.Driver contract. golang-migrate's own "sqlite3"
// driver is built on the cgo mattn/go-sqlite3 binding, which this runner
// avoids, so migrations are applied through this small adapter instead of
// the upstream driver.
type vkSQLiteDriver struct {
	db *sql.DB
	mu sync.Mutex
}

// WithInstance wraps an already-open *sql.DB as a golang-migrate database.Driver.
func WithInstance(db *sql.DB) (database.Driver, error) {
	d := &vkSQLiteDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *vkSQLiteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL PRIMARY KEY,
		dirty INTEGER NOT NULL
	)`)
	return err
}

func (d *vkSQLiteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sqlstore: Open(url) unsupported, use WithInstance")
}

func (d *vkSQLiteDriver) Close() error { return nil }

// Lock takes an in-process mutex only; there is no cross-process lock.
// The runner applies migrations from a single process at startup before
// any other goroutine touches the store.
func (d *vkSQLiteDriver) Lock() error {
	d.mu.Lock()
	return nil
}

func (d *vkSQLiteDriver) Unlock() error {
	d.mu.Unlock()
	return nil
}

func (d *vkSQLiteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(string(body)); err != nil {
		return fmt.Errorf("sqlstore: applying migration: %w", err)
	}
	return nil
}

func (d *vkSQLiteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *vkSQLiteDriver) Version() (int, bool, error) {
	row := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	var version int
	var dirty bool
	if err := row.Scan(&version, &dirty); err != nil {
		if err == sql.ErrNoRows {
			return -1, false, nil
		}
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *vkSQLiteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, t := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t)); err != nil {
			return err
		}
	}
	return d.ensureVersionTable()
}
