// Package csvtable reads and writes the comma-separated tables that carry
// pipeline state between steps.
//
// Every field is quoted on write. Reads are strict about column counts so a
// half-written row is reported instead of silently shifted.
package csvtable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Record is one data row keyed by header name. Line is the 1-based
// physical line the row was read from.
type Record struct {
	Line   int
	Values map[string]string
}

// Get returns the value for column, or "" when the column is absent.
func (r Record) Get(column string) string {
	return r.Values[column]
}

// Table is a parsed file: its header and its data rows.
type Table struct {
	Headers []string
	Records []Record
}

// HasColumns reports whether every column is present in the header.
func (t Table) HasColumns(columns ...string) bool {
	for _, c := range columns {
		if !containsString(t.Headers, c) {
			return false
		}
	}
	return true
}

// RequireColumns returns an error naming the first missing column.
func (t Table) RequireColumns(path string, columns ...string) error {
	for _, c := range columns {
		if !containsString(t.Headers, c) {
			return fmt.Errorf("csvtable: %s is missing required column '%s'", path, c)
		}
	}
	return nil
}

// ReadTable parses path. The file must exist and contain a header row.
func ReadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Table{}, fmt.Errorf("csvtable: file not found: %s", path)
		}
		return Table{}, fmt.Errorf("csvtable: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var table Table
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Table{}, fmt.Errorf("csvtable: read %s: %w", path, readErr)
		}
		if line == "" && errors.Is(readErr, io.EOF) {
			break
		}
		lineNo++
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) != "" {
			fields, err := ParseLine(line, lineNo)
			if err != nil {
				return Table{}, err
			}
			if table.Headers == nil {
				for i := range fields {
					fields[i] = strings.TrimSpace(fields[i])
				}
				fields[0] = strings.TrimPrefix(fields[0], "\ufeff")
				table.Headers = fields
			} else {
				if len(fields) != len(table.Headers) {
					return Table{}, fmt.Errorf("csvtable: %s line %d has %d columns, expected %d",
						path, lineNo, len(fields), len(table.Headers))
				}
				rec := Record{Line: lineNo, Values: make(map[string]string, len(fields))}
				for i, h := range table.Headers {
					rec.Values[h] = fields[i]
				}
				table.Records = append(table.Records, rec)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
	}
	if table.Headers == nil {
		return Table{}, fmt.Errorf("csvtable: file is empty: %s", path)
	}
	return table, nil
}

// ParseLine splits one physical line into fields. Quoted fields may contain
// commas and doubled quotes.
func ParseLine(line string, lineNo int) ([]string, error) {
	var (
		fields  []string
		current strings.Builder
		inQuote bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case inQuote && ch == '"':
			if i+1 < len(line) && line[i+1] == '"' {
				current.WriteByte('"')
				i++
			} else {
				inQuote = false
			}
		case inQuote:
			current.WriteByte(ch)
		case ch == '"':
			inQuote = true
		case ch == ',':
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("csvtable: malformed CSV at line %d: unclosed quoted field", lineNo)
	}
	return append(fields, current.String()), nil
}

// Escape quotes a single field.
func Escape(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// FormatRow joins fields into one quoted line without a trailing newline.
func FormatRow(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = Escape(f)
	}
	return strings.Join(quoted, ",")
}

// WriteTable writes headers and rows to path, replacing any existing file.
func WriteTable(path string, headers []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csvtable: create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csvtable: create %s: %w", path, err)
	}
	if err := writeRows(f, headers, rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvtable: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvtable: sync %s: %w", path, err)
	}
	return f.Close()
}

// WriteTableAtomic writes to <path>.tmp and renames it over path, so readers
// see either the old file or the complete new one.
func WriteTableAtomic(path string, headers []string, rows [][]string) error {
	tmp := path + ".tmp"
	if err := WriteTable(tmp, headers, rows); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("csvtable: rename %s: %w", tmp, err)
	}
	return nil
}

// AppendRows appends rows to an existing file, or creates it with headers.
// The returned bool reports whether the file was created.
func AppendRows(path string, headers []string, rows [][]string) (bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		created = true
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("csvtable: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("csvtable: open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if created {
		if _, err := w.WriteString(FormatRow(headers) + "\n"); err != nil {
			_ = f.Close()
			return false, fmt.Errorf("csvtable: write header %s: %w", path, err)
		}
	}
	for _, row := range rows {
		if _, err := w.WriteString(FormatRow(row) + "\n"); err != nil {
			_ = f.Close()
			return created, fmt.Errorf("csvtable: append %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return created, fmt.Errorf("csvtable: flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return created, fmt.Errorf("csvtable: sync %s: %w", path, err)
	}
	return created, f.Close()
}

func writeRows(w io.Writer, headers []string, rows [][]string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(FormatRow(headers) + "\n"); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := bw.WriteString(FormatRow(row) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
