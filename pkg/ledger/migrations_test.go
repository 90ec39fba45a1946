package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	chain, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, chain, 4)

	var revs []string
	for _, m := range chain {
		require.NotEmpty(t, m.body)
		revs = append(revs, m.revision)
	}
	require.Equal(t, []string{
		"0001_initial",
		"0002_operation_results",
		"0003_withdrawals",
		"0004_conditions",
	}, revs)

	require.Empty(t, chain[0].downRevision)
	for i := 1; i < len(chain); i++ {
		require.Equal(t, chain[i-1].revision, chain[i].downRevision)
	}
}

func TestParseMigration(t *testing.T) {
	t.Run("base revision", func(t *testing.T) {
		m, err := parseMigration("0001_initial.sql", []byte(
			"-- revision: 0001_initial\n-- down_revision: none\n\nCREATE TABLE sponsors ();\n"))
		require.NoError(t, err)
		require.Equal(t, "0001_initial", m.revision)
		require.Empty(t, m.downRevision)
	})

	t.Run("chained revision", func(t *testing.T) {
		m, err := parseMigration("0002_more.sql", []byte(
			"-- revision: 0002_more\n-- down_revision: 0001_initial\nALTER TABLE sponsors ADD note text;\n"))
		require.NoError(t, err)
		require.Equal(t, "0002_more", m.revision)
		require.Equal(t, "0001_initial", m.downRevision)
	})

	t.Run("headers stop at first statement", func(t *testing.T) {
		m, err := parseMigration("0003_tail.sql", []byte(
			"-- revision: 0003_tail\nSELECT 1;\n-- down_revision: 0002_more\n"))
		require.NoError(t, err)
		require.Equal(t, "0003_tail", m.revision)
		require.Empty(t, m.downRevision)
	})

	t.Run("missing revision header", func(t *testing.T) {
		_, err := parseMigration("0004_broken.sql", []byte("CREATE TABLE x ();\n"))
		require.ErrorContains(t, err, "missing revision header")
	})
}
