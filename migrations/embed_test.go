package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryUpHasADown(t *testing.T) {
	ups, err := fs.Glob(FS, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(FS, down)
		assert.NoError(t, err, "missing %s", down)
	}
}

func TestSchemaCoversRepositories(t *testing.T) {
	var all strings.Builder
	entries, err := fs.Glob(FS, "*.up.sql")
	require.NoError(t, err)
	for _, name := range entries {
		data, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		all.Write(data)
	}
	schema := all.String()

	for _, table := range []string{"conflicts", "conflict_events", "peak_stats"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
