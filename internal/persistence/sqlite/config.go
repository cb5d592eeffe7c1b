package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// connLifetime bounds how long database/sql reuses a pooled connection.
const connLifetime = time.Hour

// Config holds the pool knobs the store exposes to callers.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int // 1 serializes writers; WAL readers tolerate more
}

// DefaultConfig returns pool settings suited to a single-process daemon.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open opens dbPath with the pragmas every connection must carry.
// modernc.org/sqlite applies _pragma DSN parameters per connection, so
// pool growth cannot yield a connection missing WAL or foreign keys.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
	}
	dsn := "file:" + dbPath + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(connLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", dbPath, err)
	}

	return db, nil
}
