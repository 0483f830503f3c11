package submit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aquacast/internal/forecast"
)

func validTable() forecast.Table {
	return forecast.Table{
		Columns: append([]string(nil), forecast.Schema...),
		Rows: [][]string{
			{"2024-05-21", "2024-05-20", "BARC", "ensemble", "1", "temperature", "21.5", "lag_lm"},
			{"2024-05-21", "2024-05-20", "BARC", "ensemble", "2", "temperature", "21.75", "lag_lm"},
			{"2024-05-22", "2024-05-20", "BARC", "ensemble", "1", "temperature", "22", "lag_lm"},
			{"2024-05-21", "2024-05-20", "CRAM", "ensemble", "1", "temperature", "14.1", "lag_lm"},
		},
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "aquatics-2024-05-20-lag_lm.csv.gz", FileName("aquatics", "2024-05-20", "lag_lm"))
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	table := validTable()

	path, err := WriteFile(dir, "aquatics", "lag_lm", table)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "aquatics-2024-05-20-lag_lm.csv.gz"), path)

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, table, got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validTable()))

	tests := []struct {
		name   string
		mutate func(*forecast.Table)
		want   string
	}{
		{"family", func(tb *forecast.Table) { tb.Rows[0][3] = "normal" }, "family"},
		{"prediction", func(tb *forecast.Table) { tb.Rows[1][6] = "NaN" }, "prediction"},
		{"datetime", func(tb *forecast.Table) { tb.Rows[0][0] = "21/05/2024" }, "datetime"},
		{"duplicate parameter", func(tb *forecast.Table) { tb.Rows[1][4] = "1" }, "duplicate parameter"},
		{"reference after datetime", func(tb *forecast.Table) {
			for _, r := range tb.Rows {
				r[1] = "2024-05-21"
			}
		}, "not before"},
		{"mixed reference", func(tb *forecast.Table) { tb.Rows[2][1] = "2024-05-19" }, "distinct reference_datetime"},
		{"parameter", func(tb *forecast.Table) { tb.Rows[3][4] = "0" }, "positive integer"},
		{"short row", func(tb *forecast.Table) { tb.Rows[3] = tb.Rows[3][:5] }, "fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := validTable()
			tt.mutate(&table)

			err := Validate(table)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Contains(t, verr.Error(), tt.want)
		})
	}
}

func TestValidate_SchemaMismatch(t *testing.T) {
	table := validTable()
	table.Columns[0], table.Columns[1] = table.Columns[1], table.Columns[0]
	assert.ErrorIs(t, Validate(table), forecast.ErrSchemaMismatch)
}

func TestValidationError_Truncates(t *testing.T) {
	table := validTable()
	for i := 0; i < 30; i++ {
		table.Rows = append(table.Rows, []string{"bad", "2024-05-20", "X", "ensemble", "1", "temperature", "1", "m"})
	}
	var verr *ValidationError
	require.True(t, errors.As(Validate(table), &verr))
	assert.Len(t, verr.Problems, maxProblems)
	assert.Contains(t, verr.Error(), "more)")
}

type recordingUploader struct {
	files []string
}

func (r *recordingUploader) Upload(ctx context.Context, file string) error {
	r.files = append(r.files, file)
	return nil
}

func (r *recordingUploader) Method() string { return "fake" }

func TestSubmit_ValidatesFirst(t *testing.T) {
	dir := t.TempDir()
	bad := validTable()
	bad.Rows[0][3] = "normal"
	badPath, err := WriteFile(dir, "aquatics", "bad", bad)
	require.NoError(t, err)
	goodPath, err := WriteFile(dir, "aquatics", "lag_lm", validTable())
	require.NoError(t, err)

	up := &recordingUploader{}
	assert.Error(t, Submit(context.Background(), up, badPath))
	require.NoError(t, Submit(context.Background(), up, goodPath))
	assert.Equal(t, []string{goodPath}, up.files)
}

func TestS3Uploader(t *testing.T) {
	var mu sync.Mutex
	var method, objectPath string
	var size int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, objectPath = r.Method, r.URL.Path
		n, _ := io.Copy(io.Discard, r.Body)
		size = n
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewS3Uploader(S3Config{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Bucket:   "challenge",
		Prefix:   "raw/aquatics",
	})
	require.NoError(t, err)

	path, err := WriteFile(t.TempDir(), "aquatics", "lag_lm", validTable())
	require.NoError(t, err)

	require.NoError(t, up.Upload(context.Background(), path))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/challenge/raw/aquatics/aquatics-2024-05-20-lag_lm.csv.gz", objectPath)
	assert.Positive(t, size)
	assert.Equal(t, MethodS3, up.Method())
}

func TestFTPUploader_DialFailure(t *testing.T) {
	path, err := WriteFile(t.TempDir(), "aquatics", "lag_lm", validTable())
	require.NoError(t, err)

	up := NewFTPUploader(FTPConfig{Addr: "127.0.0.1:1"})
	err = up.Upload(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp dial")
}
