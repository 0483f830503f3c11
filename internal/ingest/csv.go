package ingest

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lox/aquacast/internal/models"
)

const (
	SourceTargets = "targets"
	SourceSites   = "sites"
)

// openMaybeGzip returns a reader over body, transparently decompressing it
// when it starts with the gzip magic bytes.
func openMaybeGzip(body []byte) (io.Reader, error) {
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		return gz, nil
	}
	return bytes.NewReader(body), nil
}

// header maps column name to index.
type header map[string]int

func readHeader(r *csv.Reader, required ...string) (header, error) {
	cols, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := make(header, len(cols))
	for i, c := range cols {
		h[strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := h[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return h, nil
}

func (h header) get(rec []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseNullFloat treats empty, NA and NaN as missing.
func parseNullFloat(s string) (sql.NullFloat64, error) {
	switch strings.ToUpper(s) {
	case "", "NA", "NAN", "NULL":
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, err
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDatetime parses the datetime forms seen in challenge feeds. Values
// without a zone are UTC.
func ParseDatetime(s string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised datetime %q", s)
}

// ParseTargets reads a targets CSV (optionally gzip-compressed) with
// columns datetime, site_id, variable, observation.
func ParseTargets(body []byte) ([]models.Observation, error) {
	rd, err := openMaybeGzip(body)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bufio.NewReader(rd))
	r.ReuseRecord = true

	h, err := readHeader(r, "datetime", "site_id", "variable", "observation")
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}

	var out []models.Observation
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("targets line %d: %w", line, err)
		}

		dt, err := ParseDatetime(h.get(rec, "datetime"))
		if err != nil {
			return nil, fmt.Errorf("targets line %d: %w", line, err)
		}
		value, err := parseNullFloat(h.get(rec, "observation"))
		if err != nil {
			return nil, fmt.Errorf("targets line %d: observation: %w", line, err)
		}
		out = append(out, models.Observation{
			SiteID:   h.get(rec, "site_id"),
			Datetime: dt,
			Variable: h.get(rec, "variable"),
			Value:    value,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("targets: %w", ErrEmptyFeed)
	}
	return out, nil
}

// ParseSites reads the site metadata CSV and returns aquatic sites sorted
// by id.
func ParseSites(body []byte) ([]models.Site, error) {
	rd, err := openMaybeGzip(body)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bufio.NewReader(rd))
	r.FieldsPerRecord = -1

	h, err := readHeader(r, "field_site_id", "aquatics")
	if err != nil {
		return nil, fmt.Errorf("sites: %w", err)
	}

	var sites []models.Site
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sites line %d: %w", line, err)
		}
		if h.get(rec, "aquatics") != "1" {
			continue
		}

		site := models.Site{
			SiteID: h.get(rec, "field_site_id"),
			Name:   h.get(rec, "field_site_name"),
		}
		if site.SiteID != "" {
			sites = append(sites, site)
		}
	}

	if len(sites) == 0 {
		return nil, fmt.Errorf("sites: no aquatic sites: %w", ErrEmptyFeed)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].SiteID < sites[j].SiteID })
	return sites, nil
}

// FetchTargets downloads and parses the targets feed.
func (f *Fetcher) FetchTargets(ctx context.Context, url string) ([]models.Observation, error) {
	var obs []models.Observation
	_, err := f.Fetch(ctx, SourceTargets, url, func(body []byte) (int, error) {
		var err error
		obs, err = ParseTargets(body)
		return len(obs), err
	})
	if err != nil {
		return nil, err
	}
	f.log.Info().Int("records", len(obs)).Msg("parsed targets")
	return obs, nil
}

// FetchSites downloads the site metadata and returns the aquatic sites.
func (f *Fetcher) FetchSites(ctx context.Context, url string) ([]models.Site, error) {
	var sites []models.Site
	_, err := f.Fetch(ctx, SourceSites, url, func(body []byte) (int, error) {
		var err error
		sites, err = ParseSites(body)
		return len(sites), err
	})
	if err != nil {
		return nil, err
	}
	f.log.Info().Int("sites", len(sites)).Msg("parsed site metadata")
	return sites, nil
}
