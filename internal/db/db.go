package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Config selects the mirror database file. Each (account, service) pair gets
// its own file so sandbox and production state never mix.
type Config struct {
	DataDir   string
	AccountID string
	Service   string
}

func dbPath(cfg Config) string {
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	name := fmt.Sprintf("crowdmirror.%s.%s.sqlite3", cfg.AccountID, cfg.Service)
	return filepath.Join(dir, name)
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite mirror with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the given account and service.
func Path(cfg Config) string {
	return dbPath(cfg)
}
