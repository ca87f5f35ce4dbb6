package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/playback"
	"github.com/ottaviano/shelfstream/internal/telemetry"
	"github.com/stretchr/testify/require"
)

// stubCatalog implements the catalog contracts for handler tests.
type stubCatalog struct {
	mu           sync.Mutex
	streamURL    string
	resolveErr   error
	resolveCalls int

	positional *catalog.PositionalBookmark
	upserted   []catalog.PositionalBookmark
	manual     []catalog.ManualBookmark
}

func (s *stubCatalog) ResolveStreamURL(ctx context.Context, consumableID, credential string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolveCalls++

	if s.resolveErr != nil {
		return "", s.resolveErr
	}

	return s.streamURL, nil
}

func (s *stubCatalog) PositionalBookmark(ctx context.Context, consumableID, credential string) (*catalog.PositionalBookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.positional, nil
}

func (s *stubCatalog) UpsertPositionalBookmark(ctx context.Context, credential string, bookmark catalog.PositionalBookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserted = append(s.upserted, bookmark)

	return nil
}

func (s *stubCatalog) ManualBookmarks(ctx context.Context, consumableID, credential string) ([]catalog.ManualBookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.manual, nil
}

func (s *stubCatalog) CreateManualBookmark(ctx context.Context, credential, consumableID string, position int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manual = append(s.manual, catalog.ManualBookmark{ID: "bm-1", Position: position, Note: note})

	return nil
}

func (s *stubCatalog) UpdateManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string, bookmark catalog.ManualBookmark) error {
	return nil
}

func (s *stubCatalog) DeleteManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string) error {
	return catalog.ErrBookmarkNotFound
}

func (s *stubCatalog) PlaybackMetadata(ctx context.Context, consumableID, credential string) (*catalog.PlaybackMetadata, error) {
	return &catalog.PlaybackMetadata{ConsumableID: consumableID, DurationMs: 1000}, nil
}

type fixture struct {
	router  http.Handler
	manager *download.Manager
	stub    *stubCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	stub := &stubCatalog{streamURL: "https://cdn.example.com/signed/abc"}
	manager := download.NewManager(t.TempDir(), time.Minute, stub, nil, nil)
	checkpoints := playback.NewCoordinator(stub, "DEVICE-1", time.Minute, nil)
	facade := playback.NewFacade(stub, stub, stub, manager, checkpoints, "/api/local-stream/")
	handler := NewHandler(facade, manager, &telemetry.Telemetry{})

	return &fixture{router: handler.Routes(), manager: manager, stub: stub}
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer token-1")
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/stream", `{"consumableId":"book-1"}`},
		{http.MethodPost, "/download", `{"consumableId":"book-1"}`},
		{http.MethodDelete, "/download/book-1", ""},
		{http.MethodDelete, "/cached-file/book-1", ""},
		{http.MethodGet, "/download-status/book-1", ""},
		{http.MethodPut, "/position/book-1", `{"position":1}`},
		{http.MethodGet, "/bookmarks/book-1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.body, false)
			require.Equal(t, http.StatusUnauthorized, rec.Code)

			var payload map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			require.Equal(t, "Not authenticated", payload["error"])
		})
	}
}

func TestStreamResolvesRemoteWhenNotCached(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/stream", `{"consumableId":"book-1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var source playback.StreamSource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &source))
	require.True(t, source.Remote)
	require.Equal(t, "https://cdn.example.com/signed/abc", source.URL)
}

func TestStreamResolvesLocalWhenCached(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.manager.FilePath("book-2")), 0755))
	require.NoError(t, os.WriteFile(f.manager.FilePath("book-2"), []byte("audio"), 0644))

	rec := f.do(http.MethodPost, "/stream", `{"consumableId":"book-2"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var source playback.StreamSource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &source))
	require.False(t, source.Remote)
	require.Equal(t, "/api/local-stream/book-2", source.URL)
	require.Zero(t, f.stub.resolveCalls)
}

func TestStreamMapsUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "unauthorized is uniform 401",
			err:        &catalog.AuthenticationError{Operation: "resolve_stream_url"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unavailable upstream is 502",
			err:        &catalog.UpstreamError{Operation: "resolve_stream_url", APIMessage: "connection refused"},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.stub.resolveErr = tt.err

			rec := f.do(http.MethodPost, "/stream", `{"consumableId":"book-1"}`, true)
			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestDownloadStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/download-status/book-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Downloaded  bool `json:"downloaded"`
		Downloading bool `json:"downloading"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.False(t, payload.Downloaded)
	require.False(t, payload.Downloading)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.manager.FilePath("book-1")), 0755))
	require.NoError(t, os.WriteFile(f.manager.FilePath("book-1"), []byte("audio"), 0644))

	rec = f.do(http.MethodGet, "/download-status/book-1", "", true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.True(t, payload.Downloaded)
}

func TestCancelDownloadWithoutTaskSucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodDelete, "/download/book-3", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteCachedFile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodDelete, "/cached-file/book-1", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.manager.FilePath("book-1")), 0755))
	require.NoError(t, os.WriteFile(f.manager.FilePath("book-1"), []byte("audio"), 0644))

	rec = f.do(http.MethodDelete, "/cached-file/book-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/cached-file/book-1", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPosition(t *testing.T) {
	f := newFixture(t)

	// No credential: nothing to ask the upstream with.
	rec := f.do(http.MethodGet, "/position/book-1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{}`, rec.Body.String())

	f.stub.positional = &catalog.PositionalBookmark{ConsumableID: "book-1", Position: 45000}

	rec = f.do(http.MethodGet, "/position/book-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"position":45000}`, rec.Body.String())
}

func TestPutPositionUpserts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/position/book-1", `{"position":61000}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	f.stub.mu.Lock()
	defer f.stub.mu.Unlock()

	require.Len(t, f.stub.upserted, 1)
	require.Equal(t, int64(61000), f.stub.upserted[0].Position)
	require.Equal(t, "DEVICE-1", f.stub.upserted[0].DeviceID)
	require.Equal(t, "book-1", f.stub.upserted[0].ConsumableID)
}

func TestManualBookmarkEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/bookmarks/book-1", `{"position":1234,"note":"good part"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/bookmarks/book-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Bookmarks []catalog.ManualBookmark `json:"bookmarks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Bookmarks, 1)
	require.Equal(t, int64(1234), payload.Bookmarks[0].Position)

	rec = f.do(http.MethodDelete, "/bookmarks/book-1/nope", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetadataEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metadata/book-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload catalog.PlaybackMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "book-1", payload.ConsumableID)
}
