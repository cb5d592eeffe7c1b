package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// Settings are a flat key→string map. Workers read them fresh at job
// start so an admin change applies to the next job without a restart.

// GetSetting returns the value for key, or "" when the key is unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetSettingInt parses an integer setting, returning def when the key is
// unset or not a number.
func (s *Store) GetSettingInt(ctx context.Context, key string, def int) (int, error) {
	raw, err := s.GetSetting(ctx, key)
	if err != nil {
		return def, err
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("setting is not an integer, using default")
		return def, nil
	}
	return n, nil
}

// SetSetting upserts a key. An empty value removes the key so unset and
// cleared are indistinguishable to readers.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := s.DB.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// AllSettings returns the full settings map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}
