package csvtable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTable(t *testing.T) {
	path := writeFile(t, "words.csv", "word_id,word,type\n\n1,\"casă, mare\",N\n2,\"zis \"\"așa\"\"\",V\n")

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"word_id", "word", "type"}, table.Headers)
	require.Len(t, table.Records, 2)
	assert.Equal(t, "casă, mare", table.Records[0].Get("word"))
	assert.Equal(t, `zis "așa"`, table.Records[1].Get("word"))
	assert.Equal(t, "", table.Records[1].Get("missing"))
}

func TestReadTableErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := ReadTable(filepath.Join(t.TempDir(), "nope.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file not found")
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := ReadTable(writeFile(t, "empty.csv", ""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file is empty")
	})

	t.Run("column mismatch", func(t *testing.T) {
		path := writeFile(t, "bad.csv", "a,b\n1,2\n3\n")
		_, err := ReadTable(path)
		require.EqualError(t, err, "csvtable: "+path+" line 3 has 1 columns, expected 2")
	})

	t.Run("unclosed quote", func(t *testing.T) {
		_, err := ReadTable(writeFile(t, "q.csv", "a,b\n\"1,2\n"))
		require.EqualError(t, err, "csvtable: malformed CSV at line 2: unclosed quoted field")
	})
}

func TestWriteTableAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	require.NoError(t, WriteTableAtomic(path, []string{"a", "b"}, [][]string{{"1", `x"y`}, {"2", "p,q"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\"a\",\"b\"\n\"1\",\"x\"\"y\"\n\"2\",\"p,q\"\n", string(raw))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, `x"y`, table.Records[0].Get("b"))
	assert.Equal(t, "p,q", table.Records[1].Get("b"))
}

func TestAppendRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")

	created, err := AppendRows(path, []string{"a"}, [][]string{{"1"}})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = AppendRows(path, []string{"a"}, [][]string{{"2"}})
	require.NoError(t, err)
	assert.False(t, created)

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Records, 2)
	assert.Equal(t, "2", table.Records[1].Get("a"))
}

func TestRequireColumns(t *testing.T) {
	table := Table{Headers: []string{"word_id", "word"}}
	assert.True(t, table.HasColumns("word_id"))
	assert.False(t, table.HasColumns("word_id", "type"))
	err := table.RequireColumns("x.csv", "word_id", "type")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'type'")
}

func TestRecordLineNumbers(t *testing.T) {
	table, err := ReadTable(writeFile(t, "lines.csv", "a\n\n1\n2\n"))
	require.NoError(t, err)
	require.Len(t, table.Records, 2)
	assert.Equal(t, 3, table.Records[0].Line)
	assert.Equal(t, 4, table.Records[1].Line)
}
