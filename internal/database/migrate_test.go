package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementsSplitsSchema(t *testing.T) {
	stmts := statements(schema)

	require.NotEmpty(t, stmts)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS products"))

	var partial bool
	for _, s := range stmts {
		assert.NotContains(t, s, "--")
		if strings.Contains(s, "orders_live_pair_uidx") {
			partial = strings.Contains(s, "WHERE status IN ('PENDING', 'PAID')")
		}
	}
	assert.True(t, partial, "live pair index must be partial")
}

func TestStatementsSkipsCommentsAndBlanks(t *testing.T) {
	stmts := statements("-- header; with semicolon\n\nSELECT 1;\n  ;\n-- only comment\nSELECT 2")
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, stmts)
}
