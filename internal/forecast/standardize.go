package forecast

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lox/aquacast/internal/models"
)

const FamilyEnsemble = "ensemble"

// Schema is the submission column order.
var Schema = []string{
	"datetime",
	"reference_datetime",
	"site_id",
	"family",
	"parameter",
	"variable",
	"prediction",
	"model_id",
}

var (
	ErrSchemaMismatch = errors.New("output schema mismatch")
	ErrEmptyForecast  = errors.New("no forecast rows")
)

// Table is a string-typed tabular result with named columns.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Select returns the named columns in the given order. Names the table does
// not have are skipped and columns not named are dropped.
func (t Table) Select(names ...string) Table {
	index := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		index[c] = i
	}
	var cols []string
	var idx []int
	for _, n := range names {
		if i, ok := index[n]; ok {
			cols = append(cols, n)
			idx = append(idx, i)
		}
	}
	rows := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		out := make([]string, len(idx))
		for j, i := range idx {
			out[j] = row[i]
		}
		rows[r] = out
	}
	return Table{Columns: cols, Rows: rows}
}

// Column returns the index of the named column, or -1.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ReferenceDatetime is one day before the earliest forecast datetime. It is
// shared by every row of a submission.
func ReferenceDatetime(rows []models.ForecastRow) (time.Time, error) {
	if len(rows) == 0 {
		return time.Time{}, ErrEmptyForecast
	}
	earliest := DateOf(rows[0].Datetime)
	for _, r := range rows[1:] {
		if d := DateOf(r.Datetime); d.Before(earliest) {
			earliest = d
		}
	}
	return addDays(earliest, -1), nil
}

// Standardize maps generated rows onto the submission schema.
func Standardize(rows []models.ForecastRow, modelID string) (Table, error) {
	ref, err := ReferenceDatetime(rows)
	if err != nil {
		return Table{}, err
	}
	refStr := ref.Format(DateLayout)

	// Internal columns, including ones the schema does not carry.
	wide := Table{
		Columns: []string{
			"site_id", "datetime", "member", "replicate", "parameter",
			"variable", "prediction", "family", "reference_datetime", "model_id",
		},
		Rows: make([][]string, 0, len(rows)),
	}
	for _, r := range rows {
		wide.Rows = append(wide.Rows, []string{
			r.SiteID,
			DateOf(r.Datetime).Format(DateLayout),
			strconv.Itoa(r.Member),
			strconv.Itoa(r.Replicate),
			strconv.Itoa(r.Parameter),
			r.Variable,
			strconv.FormatFloat(r.Prediction, 'f', -1, 64),
			FamilyEnsemble,
			refStr,
			modelID,
		})
	}
	return wide.Select(Schema...), nil
}

// RequireSchema fails unless the table has exactly the submission columns in
// order.
func RequireSchema(t Table) error {
	if len(t.Columns) != len(Schema) {
		return fmt.Errorf("%w: have columns %v, want %v", ErrSchemaMismatch, t.Columns, Schema)
	}
	for i, c := range Schema {
		if t.Columns[i] != c {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i, t.Columns[i], c)
		}
	}
	return nil
}
