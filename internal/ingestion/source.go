package ingestion

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Row is one record from a tabular export: a stable id (the source filename)
// and the document text.
type Row struct {
	ID   string
	Text string
	// HasText distinguishes an empty text value (skipped) from a row that is
	// missing the field entirely (an error).
	HasText bool
}

// Source streams rows from a tabular export. Next returns io.EOF when the
// source is exhausted.
type Source interface {
	Next() (Row, error)
	Close() error
}

// OpenSource picks a Source implementation by type. Exports arrive either as
// CSV files or as SQLite databases with a documents table.
func OpenSource(sourceType, ref string) (Source, error) {
	switch sourceType {
	case "", "csv":
		return OpenCSVSource(ref)
	case "sqlite":
		return OpenSQLiteSource(ref, "documents")
	default:
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
}

type csvSource struct {
	file   *os.File
	reader *csv.Reader
	first  bool
}

func OpenCSVSource(path string) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv source: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	return &csvSource{file: file, reader: reader, first: true}, nil
}

func (s *csvSource) Next() (Row, error) {
	for {
		record, err := s.reader.Read()
		if err != nil {
			return Row{}, err
		}

		// Skip a header row if the file carries one.
		if s.first {
			s.first = false
			if len(record) >= 2 &&
				strings.EqualFold(strings.TrimSpace(record[0]), "id") &&
				strings.EqualFold(strings.TrimSpace(record[1]), "text") {
				continue
			}
		}

		row := Row{}
		if len(record) >= 1 {
			row.ID = strings.TrimSpace(record[0])
		}
		if len(record) >= 2 {
			row.Text = record[1]
			row.HasText = true
		}

		return row, nil
	}
}

func (s *csvSource) Close() error {
	return s.file.Close()
}

type sqliteSource struct {
	db   *sql.DB
	rows *sql.Rows
}

func OpenSQLiteSource(path, table string) (Source, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite source: %w", err)
	}

	rows, err := db.Query(fmt.Sprintf("SELECT id, text FROM %s", table))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query sqlite source table %s: %w", table, err)
	}

	return &sqliteSource{db: db, rows: rows}, nil
}

func (s *sqliteSource) Next() (Row, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	}

	var row Row
	var text sql.NullString
	if err := s.rows.Scan(&row.ID, &text); err != nil {
		return Row{}, fmt.Errorf("failed to scan sqlite row: %w", err)
	}
	row.ID = strings.TrimSpace(row.ID)
	row.Text = text.String
	row.HasText = text.Valid

	return row, nil
}

func (s *sqliteSource) Close() error {
	s.rows.Close()
	return s.db.Close()
}
