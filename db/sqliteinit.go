package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

// InitDB initializes the database connection and creates necessary tables
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", dataSourceName, err)
	}

	// sqlite serializes writers anyway, and every connection to ":memory:"
	// would see its own empty database
	db.SetMaxOpenConns(1)

	// Ensure connection is available
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("connecting to %s: %w", dataSourceName, err)
	}

	// Create tables
	if err = CreateTables(db); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("creating tables: %w", err)
	}

	return db, nil
}

// CreateTables creates the database schema
func CreateTables(db *sql.DB) error {
	createTableSQL := `
	-- Harvested samples, one row per device reading
	CREATE TABLE IF NOT EXISTS harvest (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sn TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		mts INTEGER NOT NULL,
		registers TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000),
		UNIQUE(sn, mts)
	);
	CREATE INDEX IF NOT EXISTS idx_harvest_sn_mts ON harvest(sn, mts);
	CREATE INDEX IF NOT EXISTS idx_harvest_batch ON harvest(batch_id);

	-- Gateway settings received through the local API
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := db.Exec(createTableSQL)
	return err
}
