package rest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/playback"
	"github.com/ottaviano/shelfstream/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func newRangeFixture(t *testing.T, content []byte) (http.Handler, *download.Manager) {
	t.Helper()

	m := download.NewManager(t.TempDir(), time.Minute, nil, nil, nil)

	require.NoError(t, os.MkdirAll(filepath.Dir(m.FilePath("book-1")), 0755))
	require.NoError(t, os.WriteFile(m.FilePath("book-1"), content, 0644))

	facade := playback.NewFacade(nil, nil, nil, m, nil, "/api/local-stream/")
	h := NewHandler(facade, m, &telemetry.Telemetry{})

	return h.Routes(), m
}

func TestLocalStreamFullFile(t *testing.T) {
	content := []byte("0123456789")
	router, _ := newRangeFixture(t, content)

	req := httptest.NewRequest(http.MethodGet, "/local-stream/book-1", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Content-Length"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, content, rec.Body.Bytes())
}

func TestLocalStreamRangeRequests(t *testing.T) {
	content := []byte("0123456789")

	tests := []struct {
		name         string
		rangeHeader  string
		wantStatus   int
		wantBody     string
		contentRange string
	}{
		{
			name:         "single first byte",
			rangeHeader:  "bytes=0-0",
			wantStatus:   http.StatusPartialContent,
			wantBody:     "0",
			contentRange: "bytes 0-0/10",
		},
		{
			name:         "explicit window",
			rangeHeader:  "bytes=2-5",
			wantStatus:   http.StatusPartialContent,
			wantBody:     "2345",
			contentRange: "bytes 2-5/10",
		},
		{
			name:         "open ended tail",
			rangeHeader:  "bytes=7-",
			wantStatus:   http.StatusPartialContent,
			wantBody:     "789",
			contentRange: "bytes 7-9/10",
		},
		{
			name:         "end clamped to file size",
			rangeHeader:  "bytes=8-500",
			wantStatus:   http.StatusPartialContent,
			wantBody:     "89",
			contentRange: "bytes 8-9/10",
		},
		{
			name:         "start at file size",
			rangeHeader:  "bytes=10-",
			wantStatus:   http.StatusRequestedRangeNotSatisfiable,
			contentRange: "bytes */10",
		},
		{
			name:         "start past file size",
			rangeHeader:  "bytes=99-",
			wantStatus:   http.StatusRequestedRangeNotSatisfiable,
			contentRange: "bytes */10",
		},
		{
			name:         "inverted window",
			rangeHeader:  "bytes=5-2",
			wantStatus:   http.StatusRequestedRangeNotSatisfiable,
			contentRange: "bytes */10",
		},
		{
			name:         "malformed range",
			rangeHeader:  "bytes=abc",
			wantStatus:   http.StatusRequestedRangeNotSatisfiable,
			contentRange: "bytes */10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newRangeFixture(t, content)

			req := httptest.NewRequest(http.MethodGet, "/local-stream/book-1", nil)
			req.Header.Set("Range", tt.rangeHeader)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.contentRange, rec.Header().Get("Content-Range"))

			if tt.wantStatus == http.StatusPartialContent {
				require.Equal(t, tt.wantBody, rec.Body.String())
				require.Equal(t, fmt.Sprintf("%d", len(tt.wantBody)), rec.Header().Get("Content-Length"))
			} else {
				require.Empty(t, rec.Body.Bytes())
			}
		})
	}
}

func TestLocalStreamHead(t *testing.T) {
	content := []byte("0123456789")
	router, _ := newRangeFixture(t, content)

	req := httptest.NewRequest(http.MethodHead, "/local-stream/book-1", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Content-Length"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Empty(t, rec.Body.Bytes())
}

func TestLocalStreamHeadWithRange(t *testing.T) {
	content := []byte("0123456789")
	router, _ := newRangeFixture(t, content)

	req := httptest.NewRequest(http.MethodHead, "/local-stream/book-1", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	require.Equal(t, "4", rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Body.Bytes())
}

func TestLocalStreamMissingFile(t *testing.T) {
	router, _ := newRangeFixture(t, []byte("0123456789"))

	req := httptest.NewRequest(http.MethodGet, "/local-stream/book-unknown", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocalStreamIgnoresPartialTempFile(t *testing.T) {
	router, m := newRangeFixture(t, []byte("0123456789"))

	// A crashed download leaves a temp-named file; it must not be served.
	require.NoError(t, os.WriteFile(m.FilePath("book-9")+".part", []byte("half"), 0644))

	req := httptest.NewRequest(http.MethodGet, "/local-stream/book-9", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocalStreamRejectsTraversal(t *testing.T) {
	router, _ := newRangeFixture(t, []byte("0123456789"))

	req := httptest.NewRequest(http.MethodGet, "/local-stream/..%2fsecret", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		ok        bool
	}{
		{"bytes=0-0", 10, 0, 0, true},
		{"bytes=0-9", 10, 0, 9, true},
		{"bytes=3-", 10, 3, 9, true},
		{"bytes=0-100", 10, 0, 9, true},
		{"bytes=10-", 10, 0, 0, false},
		{"bytes=-5", 10, 0, 0, false},
		{"bytes=5-2", 10, 0, 0, false},
		{"bytes=0-1,3-4", 10, 0, 0, false},
		{"chunks=0-1", 10, 0, 0, false},
		{"bytes=x-y", 10, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			br, ok := parseRange(tt.header, tt.size)
			require.Equal(t, tt.ok, ok)

			if ok {
				require.Equal(t, tt.wantStart, br.start)
				require.Equal(t, tt.wantEnd, br.end)
				require.Equal(t, tt.wantEnd-tt.wantStart+1, br.length)
			}
		})
	}
}
