package ingestion

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, src Source) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestCSVSourceSkipsHeader(t *testing.T) {
	path := writeTempCSV(t, "id,text\nreport_a.txt,first document\nreport_b.txt,second document\n")

	src, err := OpenCSVSource(path)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, "report_a.txt", rows[0].ID)
	assert.Equal(t, "first document", rows[0].Text)
	assert.True(t, rows[0].HasText)
}

func TestCSVSourceWithoutHeader(t *testing.T) {
	path := writeTempCSV(t, "report_a.txt,first document\n")

	src, err := OpenCSVSource(path)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 1, "a headerless file keeps its first row")
	assert.Equal(t, "report_a.txt", rows[0].ID)
}

func TestCSVSourceMissingTextColumn(t *testing.T) {
	path := writeTempCSV(t, "id,text\nonly_an_id.txt\nreport.txt,has text\n")

	src, err := OpenCSVSource(path)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 2)

	assert.Equal(t, "only_an_id.txt", rows[0].ID)
	assert.False(t, rows[0].HasText, "a one-column row is missing the field, not empty")
	assert.True(t, rows[1].HasText)
}

func TestCSVSourceEmptyTextValue(t *testing.T) {
	path := writeTempCSV(t, "id,text\nblank.txt,\n")

	src, err := OpenCSVSource(path)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].HasText, "an empty value is still a present field")
	assert.Equal(t, "", rows[0].Text)
}

func TestOpenSourceUnknownType(t *testing.T) {
	_, err := OpenSource("parquet", "whatever.parquet")
	assert.Error(t, err)
}

func TestOpenSourceDefaultsToCSV(t *testing.T) {
	path := writeTempCSV(t, "id,text\na.txt,hello\n")

	src, err := OpenSource("", path)
	require.NoError(t, err)
	defer src.Close()

	rows := drain(t, src)
	assert.Len(t, rows, 1)
}
