// Package remote implements the catalog contracts against the upstream
// HTTP API. Every call carries the caller's bearer credential; the client
// itself holds no session state.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const requestTimeout = 30 * time.Second

type Client struct {
	apiBaseURL   string
	streamAPIURL string
	transport    http.RoundTripper
}

// NewClient creates a catalog client. apiBaseURL points at the bookmark and
// metadata API, streamAPIURL at the stream URL issuer.
func NewClient(apiBaseURL, streamAPIURL string) *Client {
	return &Client{
		apiBaseURL:   apiBaseURL,
		streamAPIURL: streamAPIURL,
		transport:    otelhttp.NewTransport(http.DefaultTransport),
	}
}

// httpClient builds an oauth2-authenticated client for the given bearer
// credential on top of the shared instrumented transport.
func (c *Client) httpClient(ctx context.Context, credential string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: c.transport,
		Timeout:   requestTimeout,
	})

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})

	return oauth2.NewClient(ctx, ts)
}

// ResolveStreamURL asks the upstream for a time-limited signed URL. The
// upstream answers either with a redirect or with a Location header on a
// 2xx response; both encodings are accepted.
func (c *Client) ResolveStreamURL(ctx context.Context, consumableID, credential string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("consumable_id", consumableID)

	httpClient := c.httpClient(ctx, credential)
	// The signed URL arrives as a redirect target; following it would
	// download the audio here instead of handing the URL to the player.
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	endpoint := fmt.Sprintf("%s/stream/url?consumableId=%s&startposition=0", c.streamAPIURL, url.QueryEscape(consumableID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build stream request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &catalog.UpstreamError{Operation: "resolve_stream_url", APIMessage: err.Error(), Err: err}
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &catalog.AuthenticationError{Operation: "resolve_stream_url"}
	case resp.StatusCode >= http.StatusBadRequest:
		return "", &catalog.UpstreamError{
			Operation:  "resolve_stream_url",
			StatusCode: resp.StatusCode,
			APIMessage: http.StatusText(resp.StatusCode),
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		logger.DebugContext(ctx, "resolved signed stream url", "status", resp.StatusCode)

		return loc, nil
	}

	return "", &catalog.UpstreamError{
		Operation:  "resolve_stream_url",
		StatusCode: resp.StatusCode,
		APIMessage: "response carries no stream location",
	}
}

// PositionalBookmark returns the resume point for a title, or nil when the
// upstream has none.
func (c *Client) PositionalBookmark(ctx context.Context, consumableID, credential string) (*catalog.PositionalBookmark, error) {
	endpoint := fmt.Sprintf("%s/bookmarks/positional?consumableIds=%s&orderBy=updated&orderDirection=desc",
		c.apiBaseURL, url.QueryEscape(consumableID))

	var payload struct {
		Bookmarks []catalog.PositionalBookmark `json:"bookmarks"`
	}

	if err := c.doJSON(ctx, credential, http.MethodGet, endpoint, nil, &payload, "get_positional_bookmark"); err != nil {
		return nil, err
	}

	if len(payload.Bookmarks) == 0 {
		return nil, nil
	}

	return &payload.Bookmarks[0], nil
}

// UpsertPositionalBookmark writes the resume point for a title. The upstream
// keeps one per (title, device) and resolves concurrent writers by update time.
func (c *Client) UpsertPositionalBookmark(ctx context.Context, credential string, bookmark catalog.PositionalBookmark) error {
	endpoint := c.apiBaseURL + "/bookmarks/positional"

	body := map[string]any{
		"deviceId":            bookmark.DeviceID,
		"action":              "player_paused",
		"secondsSinceCreated": 0,
		"position":            bookmark.Position,
		"type":                "abook",
		"kidsMode":            false,
		"consumableId":        bookmark.ConsumableID,
	}

	return c.doJSON(ctx, credential, http.MethodPost, endpoint, body, nil, "upsert_positional_bookmark")
}

// ManualBookmarks lists the user-authored bookmarks for a title.
func (c *Client) ManualBookmarks(ctx context.Context, consumableID, credential string) ([]catalog.ManualBookmark, error) {
	endpoint := fmt.Sprintf("%s/bookmarks/manual?type=abook&consumableId=%s", c.apiBaseURL, url.QueryEscape(consumableID))

	var payload struct {
		Bookmarks []catalog.ManualBookmark `json:"bookmarks"`
	}

	if err := c.doJSON(ctx, credential, http.MethodGet, endpoint, nil, &payload, "get_manual_bookmarks"); err != nil {
		return nil, err
	}

	return payload.Bookmarks, nil
}

func (c *Client) CreateManualBookmark(ctx context.Context, credential, consumableID string, position int64, note string) error {
	endpoint := c.apiBaseURL + "/bookmarks/manual"

	body := map[string]any{
		"position":     position,
		"consumableId": consumableID,
		"note":         note,
		"type":         "abook",
	}

	return c.doJSON(ctx, credential, http.MethodPost, endpoint, body, nil, "create_manual_bookmark")
}

func (c *Client) UpdateManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string, bookmark catalog.ManualBookmark) error {
	if err := c.ensureManualBookmarkExists(ctx, credential, consumableID, bookmarkID); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bookmarks/manual/%s", c.apiBaseURL, url.PathEscape(bookmarkID))

	body := map[string]any{
		"position": bookmark.Position,
		"note":     bookmark.Note,
	}

	return c.doJSON(ctx, credential, http.MethodPut, endpoint, body, nil, "update_manual_bookmark")
}

func (c *Client) DeleteManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string) error {
	if err := c.ensureManualBookmarkExists(ctx, credential, consumableID, bookmarkID); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bookmarks/manual/%s", c.apiBaseURL, url.PathEscape(bookmarkID))

	return c.doJSON(ctx, credential, http.MethodDelete, endpoint, nil, nil, "delete_manual_bookmark")
}

// PlaybackMetadata fetches title duration and chapters.
func (c *Client) PlaybackMetadata(ctx context.Context, consumableID, credential string) (*catalog.PlaybackMetadata, error) {
	endpoint := fmt.Sprintf("%s/playback-metadata/consumable/%s", c.apiBaseURL, url.PathEscape(consumableID))

	var payload catalog.PlaybackMetadata
	if err := c.doJSON(ctx, credential, http.MethodGet, endpoint, nil, &payload, "get_playback_metadata"); err != nil {
		return nil, err
	}

	return &payload, nil
}

func (c *Client) ensureManualBookmarkExists(ctx context.Context, credential, consumableID, bookmarkID string) error {
	bookmarks, err := c.ManualBookmarks(ctx, consumableID, credential)
	if err != nil {
		return err
	}

	for _, b := range bookmarks {
		if b.ID == bookmarkID {
			return nil
		}
	}

	return catalog.ErrBookmarkNotFound
}

// doJSON performs a JSON request/response round trip with uniform error
// mapping. out may be nil when the response body is irrelevant.
func (c *Client) doJSON(ctx context.Context, credential, method, endpoint string, body any, out any, operation string) error {
	var reqBody io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}

		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(ctx, credential).Do(req)
	if err != nil {
		return &catalog.UpstreamError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &catalog.AuthenticationError{Operation: operation}
	case resp.StatusCode >= http.StatusBadRequest:
		return &catalog.UpstreamError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: http.StatusText(resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &catalog.UpstreamError{Operation: operation, APIMessage: "malformed response body", Err: err}
		}
	}

	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
