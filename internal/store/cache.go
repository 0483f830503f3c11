package store

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

const dateLayout = "2006-01-02"

// CachedPayload is a fetched feed body stored for reuse within a day.
type CachedPayload struct {
	URL       string
	FetchDate string
	FetchedAt time.Time
	Hash      string
	Size      int64
	Body      []byte
}

// PutPayload compresses and stores body under (url, day). A second put for
// the same key replaces the earlier body.
func (s *Store) PutPayload(url string, day time.Time, body []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(body)

	_, err := s.db.Exec(`
		INSERT INTO payload_cache (url, fetch_date, fetched_at, payload_compressed, payload_hash, payload_size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, fetch_date) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			payload_compressed = excluded.payload_compressed,
			payload_hash = excluded.payload_hash,
			payload_size = excluded.payload_size
	`, url, day.UTC().Format(dateLayout), time.Now().UTC(), buf.Bytes(), hex.EncodeToString(hash[:]), len(body))
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

// GetPayload returns the cached body for (url, day). The bool is false when
// nothing is cached.
func (s *Store) GetPayload(url string, day time.Time) (*CachedPayload, bool, error) {
	p := &CachedPayload{URL: url, FetchDate: day.UTC().Format(dateLayout)}
	var compressed []byte
	err := s.db.QueryRow(`
		SELECT fetched_at, payload_compressed, payload_hash, payload_size
		FROM payload_cache WHERE url = ? AND fetch_date = ?
	`, url, p.FetchDate).Scan(&p.FetchedAt, &compressed, &p.Hash, &p.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query payload: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	p.Body, err = io.ReadAll(gz)
	if err != nil {
		return nil, false, fmt.Errorf("decompress payload: %w", err)
	}
	return p, true, nil
}

// CleanupPayloads deletes cache entries whose fetch day is more than
// retentionDays before now. Returns the number of deleted entries.
func (s *Store) CleanupPayloads(now time.Time, retentionDays int) (int64, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays).Format(dateLayout)
	result, err := s.db.Exec(`DELETE FROM payload_cache WHERE fetch_date < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
