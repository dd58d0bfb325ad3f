package util

import (
	"path/filepath"
	"strings"
)

// SQLitePath returns the database file named by a SQLite DSN, without the
// "file:" scheme or query parameters.
func SQLitePath(dsn string) string {
	path := strings.TrimSpace(dsn)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
