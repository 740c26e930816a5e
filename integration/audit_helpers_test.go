package integration_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func auditPath(workspace string) string {
	return filepath.Join(workspace, "audit", "audit.sqlite")
}

func loadAuditTypes(t *testing.T, dbPath string) map[string]int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "open audit db")
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.Query("SELECT type, COUNT(*) FROM events GROUP BY type")
	require.NoError(t, err, "query audit events")
	defer func() {
		_ = rows.Close()
	}()

	types := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		require.NoError(t, rows.Scan(&eventType, &count))
		types[eventType] = count
	}
	require.NoError(t, rows.Err())
	return types
}

func requireAuditEvents(t *testing.T, workspace string, want ...string) {
	t.Helper()
	types := loadAuditTypes(t, auditPath(workspace))
	for _, eventType := range want {
		require.NotZero(t, types[eventType], "missing audit event %s, have %v", eventType, types)
	}
}
