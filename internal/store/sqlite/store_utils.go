package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isMemoryPath(path string) bool {
	path = strings.TrimSpace(path)
	return path == "" || path == ":memory:" ||
		strings.HasPrefix(path, "file::memory:") ||
		strings.Contains(path, "mode=memory")
}

// dbFilePath strips the file: scheme and query parameters from a SQLite URI,
// leaving the filesystem path.
func dbFilePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "file:") {
		return path
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.HasPrefix(path, "///") {
		path = path[2:]
	}
	return path
}

func ensureParentDir(path string) error {
	if isMemoryPath(path) {
		return nil
	}
	dir := filepath.Dir(dbFilePath(path))
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
