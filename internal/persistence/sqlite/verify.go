package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

// VerifyIntegrity runs SQLite's self-check against the file at path
// without opening it for writing. Mode "quick" maps to PRAGMA
// quick_check, anything else to the exhaustive integrity_check. The
// returned slice holds the problems the check reported; nil means the
// database is healthy. An error means the check itself could not run.
func VerifyIntegrity(path, mode string) ([]string, error) {
	// Read-only so the check cannot create the file or hold write locks
	// against a daemon that is already up.
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open for verify: %w", err)
	}
	defer db.Close()

	check := "PRAGMA integrity_check"
	if mode == "quick" {
		check = "PRAGMA quick_check"
	}

	rows, err := db.Query(check)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", check, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("sqlite: scan check result: %w", err)
		}
		problems = append(problems, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A healthy database reports exactly one row: "ok".
	if len(problems) == 1 && strings.EqualFold(problems[0], "ok") {
		return nil, nil
	}
	if len(problems) == 0 {
		return []string{"integrity check returned no rows"}, nil
	}
	return problems, nil
}
