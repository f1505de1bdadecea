package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchemaCoversEveryTable(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_core.sql", names[0])

	sql, err := All()
	require.NoError(t, err)
	for _, table := range []string{
		"users", "consents", "action_requests", "action_records", "action_events",
		"action_outcomes", "funding_plans", "funding_steps", "outbox",
	} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" ("), "missing table %s", table)
	}
}
