package submit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lox/aquacast/internal/forecast"
)

// maxProblems caps how many row problems a ValidationError lists.
const maxProblems = 20

// ValidationError lists the problems found in an artifact.
type ValidationError struct {
	Problems []string
	Total    int
}

func (e *ValidationError) Error() string {
	msg := strings.Join(e.Problems, "; ")
	if e.Total > len(e.Problems) {
		msg += fmt.Sprintf(" (and %d more)", e.Total-len(e.Problems))
	}
	return "invalid forecast: " + msg
}

type problems struct {
	list  []string
	total int
}

func (p *problems) addf(format string, args ...any) {
	p.total++
	if len(p.list) < maxProblems {
		p.list = append(p.list, fmt.Sprintf(format, args...))
	}
}

// Validate checks a standardized forecast table before submission.
func Validate(t forecast.Table) error {
	if err := forecast.RequireSchema(t); err != nil {
		return err
	}
	if len(t.Rows) == 0 {
		return &ValidationError{Problems: []string{"no rows"}, Total: 1}
	}

	col := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		col[c] = i
	}

	var p problems
	refs := make(map[string]bool)
	type key struct{ site, date, parameter string }
	seen := make(map[key]int)

	for i, row := range t.Rows {
		line := i + 2
		if len(row) != len(t.Columns) {
			p.addf("line %d: %d fields, want %d", line, len(row), len(t.Columns))
			continue
		}
		get := func(name string) string { return row[col[name]] }

		date := get("datetime")
		if _, err := time.Parse(forecast.DateLayout, date); err != nil {
			p.addf("line %d: datetime %q is not YYYY-MM-DD", line, date)
		}
		ref := get("reference_datetime")
		if _, err := time.Parse(forecast.DateLayout, ref); err != nil {
			p.addf("line %d: reference_datetime %q is not YYYY-MM-DD", line, ref)
		} else if ref >= date {
			p.addf("line %d: reference_datetime %s not before datetime %s", line, ref, date)
		}
		refs[ref] = true

		if get("site_id") == "" {
			p.addf("line %d: empty site_id", line)
		}
		if fam := get("family"); fam != forecast.FamilyEnsemble {
			p.addf("line %d: family %q, want %q", line, fam, forecast.FamilyEnsemble)
		}
		if get("variable") == "" {
			p.addf("line %d: empty variable", line)
		}
		if get("model_id") == "" {
			p.addf("line %d: empty model_id", line)
		}

		param := get("parameter")
		if n, err := strconv.Atoi(param); err != nil || n < 1 {
			p.addf("line %d: parameter %q is not a positive integer", line, param)
		}
		pred := get("prediction")
		if v, err := strconv.ParseFloat(pred, 64); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			p.addf("line %d: prediction %q is not a finite number", line, pred)
		}

		k := key{get("site_id"), date, param}
		if first, dup := seen[k]; dup {
			p.addf("line %d: duplicate parameter %s for %s on %s (first at line %d)", line, param, k.site, date, first)
		} else {
			seen[k] = line
		}
	}

	if len(refs) > 1 {
		p.addf("%d distinct reference_datetime values, want 1", len(refs))
	}

	if p.total > 0 {
		return &ValidationError{Problems: p.list, Total: p.total}
	}
	return nil
}

// ValidateFile reads and validates an artifact on disk.
func ValidateFile(path string) (forecast.Table, error) {
	t, err := ReadFile(path)
	if err != nil {
		return forecast.Table{}, err
	}
	if err := Validate(t); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
