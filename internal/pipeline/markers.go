package pipeline

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ashita-ai/rarity/internal/csvtable"
)

// UploadMarkerHeaders are appended to a final table by MarkUploadedRows.
var UploadMarkerHeaders = []string{"uploaded_at", "uploaded_level", "upload_status", "upload_batch_id"}

// MarkerResult says where upload markers were written.
type MarkerResult struct {
	Path      string
	Companion bool
	Marked    int
}

// MarkUploadedRows stamps every row of finalCSV whose id is in status with
// the upload time, level, status and batch id, rewriting the table in place.
// When the table cannot be written for lack of permission or a read-only
// file system, the markers go to <finalCSV>.upload_markers.csv instead.
func MarkUploadedRows(finalCSV string, levels map[int64]int, status map[int64]string, batchID, uploadedAt string) (MarkerResult, error) {
	if len(status) == 0 {
		return MarkerResult{Path: finalCSV}, nil
	}
	res, err := markInPlace(finalCSV, levels, status, batchID, uploadedAt)
	if err == nil {
		return res, nil
	}
	if !isReadOnlyFailure(err) {
		return MarkerResult{}, err
	}
	return writeCompanion(finalCSV, levels, status, batchID, uploadedAt)
}

func markInPlace(finalCSV string, levels map[int64]int, status map[int64]string, batchID, uploadedAt string) (MarkerResult, error) {
	// The rewrite replaces the file by rename, which a read-only file does
	// not prevent on its own.
	probe, err := os.OpenFile(finalCSV, os.O_WRONLY, 0)
	if err != nil {
		return MarkerResult{}, err
	}
	_ = probe.Close()

	table, err := csvtable.ReadTable(finalCSV)
	if err != nil {
		return MarkerResult{}, err
	}
	if err := table.RequireColumns(absPath(finalCSV), "word_id"); err != nil {
		return MarkerResult{}, err
	}

	headers := slices.Clone(table.Headers)
	for _, h := range UploadMarkerHeaders {
		if !slices.Contains(headers, h) {
			headers = append(headers, h)
		}
	}

	marked := 0
	rows := make([][]string, len(table.Records))
	for i, rec := range table.Records {
		values := rec.Values
		if id, err := strconv.ParseInt(strings.TrimSpace(rec.Get("word_id")), 10, 64); err == nil {
			if st, ok := status[id]; ok {
				values = mergeMarkers(values, markerValues(id, levels, st, batchID, uploadedAt))
				marked++
			}
		}
		row := make([]string, len(headers))
		for j, h := range headers {
			row[j] = values[h]
		}
		rows[i] = row
	}

	if err := csvtable.WriteTableAtomic(finalCSV, headers, rows); err != nil {
		return MarkerResult{}, err
	}
	return MarkerResult{Path: finalCSV, Marked: marked}, nil
}

func writeCompanion(finalCSV string, levels map[int64]int, status map[int64]string, batchID, uploadedAt string) (MarkerResult, error) {
	path := finalCSV + ".upload_markers.csv"
	ids := make([]int64, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]string, len(ids))
	for i, id := range ids {
		m := markerValues(id, levels, status[id], batchID, uploadedAt)
		rows[i] = []string{strconv.FormatInt(id, 10), m["uploaded_at"], m["uploaded_level"], m["upload_status"], m["upload_batch_id"]}
	}
	headers := append([]string{"word_id"}, UploadMarkerHeaders...)
	if err := csvtable.WriteTable(path, headers, rows); err != nil {
		return MarkerResult{}, err
	}
	return MarkerResult{Path: path, Companion: true, Marked: len(rows)}, nil
}

func markerValues(id int64, levels map[int64]int, status, batchID, uploadedAt string) map[string]string {
	level := ""
	if l, ok := levels[id]; ok {
		level = strconv.Itoa(l)
	}
	return map[string]string{
		"uploaded_at":     uploadedAt,
		"uploaded_level":  level,
		"upload_status":   status,
		"upload_batch_id": batchID,
	}
}

func mergeMarkers(values, markers map[string]string) map[string]string {
	out := maps.Clone(values)
	maps.Copy(out, markers)
	return out
}

func isReadOnlyFailure(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EROFS)
}
