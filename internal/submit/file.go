package submit

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/lox/aquacast/internal/forecast"
)

// FileName is the artifact name the challenge expects:
// <theme>-<reference_date>-<model_id>.csv.gz.
func FileName(theme, referenceDate, modelID string) string {
	return fmt.Sprintf("%s-%s-%s.csv.gz", theme, referenceDate, modelID)
}

// ReferenceDate returns the shared reference_datetime of a standardized
// table.
func ReferenceDate(t forecast.Table) (string, error) {
	col := t.Column("reference_datetime")
	if col < 0 || len(t.Rows) == 0 {
		return "", errors.New("table has no reference_datetime")
	}
	return t.Rows[0][col], nil
}

// WriteFile writes t as gzip CSV into dir and returns the artifact path.
func WriteFile(dir, theme, modelID string, t forecast.Table) (string, error) {
	ref, err := ReferenceDate(t)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, FileName(theme, ref, modelID))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}

	if err := WriteTable(f, t); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return path, nil
}

// WriteTable writes t to w as gzip-compressed CSV with a header row.
func WriteTable(w io.Writer, t forecast.Table) error {
	gz := gzip.NewWriter(w)
	cw := csv.NewWriter(gz)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

// ReadFile reads a CSV artifact. Files ending in .gz are decompressed.
func ReadFile(path string) (forecast.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return forecast.Table{}, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return forecast.Table{}, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return forecast.Table{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return forecast.Table{}, fmt.Errorf("%s: empty file", path)
	}
	return forecast.Table{Columns: records[0], Rows: records[1:]}, nil
}
