package migrations

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedOrder(t *testing.T) {
	all, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	seen := make(map[string]bool)
	for i, m := range all {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		seen[m.Version] = true
		if i > 0 {
			assert.Less(t, all[i-1].Version, m.Version)
		}
	}
}

func TestEmbeddedSchemaCoversStores(t *testing.T) {
	all, err := Load()
	require.NoError(t, err)
	var schema strings.Builder
	for _, m := range all {
		schema.WriteString(m.SQL)
	}
	for _, table := range []string{
		"customers", "wallets", "ml_settings", "bookings", "commissions",
		"commission_dispatches", "lead_steps", "audit_logs",
	} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, schema.String(), "UNIQUE (booking_id, step_order)")
}

func TestLoadRejectsEmptyScript(t *testing.T) {
	_, err := load(fstest.MapFS{
		"sql/0001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/0002_b.sql": {Data: []byte("  \n")},
	})
	require.Error(t, err)
}

func TestPendingSkipsApplied(t *testing.T) {
	all := []Migration{{Version: "0001_a"}, {Version: "0002_b"}, {Version: "0003_c"}}
	got := pending(all, map[string]bool{"0001_a": true, "0003_c": true})
	require.Len(t, got, 1)
	assert.Equal(t, "0002_b", got[0].Version)
}
