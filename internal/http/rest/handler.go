// Package rest exposes the playback facade over HTTP: source resolution,
// download lifecycle, the local range server and position/bookmark
// endpoints.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/logctx"
	"github.com/ottaviano/shelfstream/internal/playback"
	"github.com/ottaviano/shelfstream/internal/telemetry"
)

type contextKey string

const credentialKey contextKey = "credential"

// Handler serves the player-facing API.
type Handler struct {
	facade    *playback.Facade
	downloads *download.Manager
	telemetry *telemetry.Telemetry
}

// NewHandler creates the API handler.
func NewHandler(facade *playback.Facade, downloads *download.Manager, tel *telemetry.Telemetry) *Handler {
	return &Handler{
		facade:    facade,
		downloads: downloads,
		telemetry: tel,
	}
}

// Routes mounts the API. The local stream and position-read endpoints are
// open: the player hands them straight to an <audio> element which cannot
// attach headers. Everything else requires a bearer credential.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Players probe Content-Length and Accept-Ranges with HEAD before
	// seeking; chi does not route HEAD to GET handlers on its own.
	r.Get("/local-stream/{consumableID}", h.HandleLocalStream)
	r.Head("/local-stream/{consumableID}", h.HandleLocalStream)
	r.Get("/position/{consumableID}", h.HandleGetPosition)

	r.Group(func(r chi.Router) {
		r.Use(h.bearerAuthMiddleware)

		r.Post("/stream", h.HandleStream)
		r.Post("/download", h.HandleStartDownload)
		r.Delete("/download/{consumableID}", h.HandleCancelDownload)
		r.Delete("/cached-file/{consumableID}", h.HandleDeleteCached)
		r.Get("/download-status/{consumableID}", h.HandleDownloadStatus)

		r.Put("/position/{consumableID}", h.HandlePutPosition)

		r.Get("/bookmarks/{consumableID}", h.HandleListBookmarks)
		r.Post("/bookmarks/{consumableID}", h.HandleCreateBookmark)
		r.Put("/bookmarks/{consumableID}/{bookmarkID}", h.HandleUpdateBookmark)
		r.Delete("/bookmarks/{consumableID}/{bookmarkID}", h.HandleDeleteBookmark)

		r.Get("/metadata/{consumableID}", h.HandleMetadata)
	})

	return r
}

// HandleStream resolves a playback source: local when cached, otherwise a
// signed upstream URL.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsumableID string `json:"consumableId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !download.IsValidID(req.ConsumableID) {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	source, err := h.facade.ResolvePlaybackSource(r.Context(), req.ConsumableID, credentialFromContext(r.Context()))
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, source)
}

// HandleStartDownload begins caching a title. Idempotent: an already
// cached or in-flight title reports success without duplicating work.
func (h *Handler) HandleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsumableID string `json:"consumableId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !download.IsValidID(req.ConsumableID) {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	started, err := h.facade.StartDownload(r.Context(), req.ConsumableID, credentialFromContext(r.Context()))
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to start download",
			"consumable_id", req.ConsumableID, "err", err)

		status := upstreamStatus(err)
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})

		return
	}

	if !started {
		logctx.LoggerFromContext(r.Context()).Debug("download already present or in flight",
			"consumable_id", req.ConsumableID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleCancelDownload stops an in-flight download. Cancelling when none
// is active is a success no-op.
func (h *Handler) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	consumableID := chi.URLParam(r, "consumableID")

	if err := h.facade.CancelDownload(r.Context(), consumableID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleDeleteCached removes a completed cached file.
func (h *Handler) HandleDeleteCached(w http.ResponseWriter, r *http.Request) {
	consumableID := chi.URLParam(r, "consumableID")

	err := h.facade.DeleteCached(r.Context(), consumableID)

	switch {
	case errors.Is(err, download.ErrNotFound):
		writeError(w, http.StatusNotFound, "no cached file")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// HandleDownloadStatus reads cache and task state without touching the
// network.
func (h *Handler) HandleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	status := h.facade.DownloadStatus(chi.URLParam(r, "consumableID"))

	writeJSON(w, http.StatusOK, map[string]any{
		"downloaded":  status.State == download.StatePresent,
		"downloading": status.State == download.StateDownloading,
		"progress":    int(status.Progress),
	})
}

// HandleGetPosition returns the resume point for a title, or an empty
// object when none is known. The bearer credential is optional here; with
// none present there is nothing to ask the upstream with.
func (h *Handler) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	credential := bearerToken(r)
	if credential == "" {
		writeJSON(w, http.StatusOK, map[string]any{})

		return
	}

	position, found, err := h.facade.RestorePosition(r.Context(), chi.URLParam(r, "consumableID"), credential)
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	if !found {
		writeJSON(w, http.StatusOK, map[string]any{})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"position": position})
}

// HandlePutPosition upserts the resume point. The optional state field
// drives the checkpoint session machine; without it the write is a
// one-shot checkpoint.
func (h *Handler) HandlePutPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position int64  `json:"position"`
		State    string `json:"state"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	consumableID := chi.URLParam(r, "consumableID")

	err := h.facade.ReportPosition(r.Context(), consumableID, credentialFromContext(r.Context()), req.Position, req.State)
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) HandleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := h.facade.ManualBookmarks(r.Context(), chi.URLParam(r, "consumableID"), credentialFromContext(r.Context()))
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": bookmarks})
}

func (h *Handler) HandleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position int64  `json:"position"`
		Note     string `json:"note"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	err := h.facade.CreateManualBookmark(r.Context(), credentialFromContext(r.Context()),
		chi.URLParam(r, "consumableID"), req.Position, req.Note)
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) HandleUpdateBookmark(w http.ResponseWriter, r *http.Request) {
	var req catalog.ManualBookmark
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	err := h.facade.UpdateManualBookmark(r.Context(), credentialFromContext(r.Context()),
		chi.URLParam(r, "consumableID"), chi.URLParam(r, "bookmarkID"), req)

	switch {
	case errors.Is(err, catalog.ErrBookmarkNotFound):
		writeError(w, http.StatusNotFound, "bookmark not found")
	case err != nil:
		h.writeUpstreamError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (h *Handler) HandleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	err := h.facade.DeleteManualBookmark(r.Context(), credentialFromContext(r.Context()),
		chi.URLParam(r, "consumableID"), chi.URLParam(r, "bookmarkID"))

	switch {
	case errors.Is(err, catalog.ErrBookmarkNotFound):
		writeError(w, http.StatusNotFound, "bookmark not found")
	case err != nil:
		h.writeUpstreamError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.facade.PlaybackMetadata(r.Context(), chi.URLParam(r, "consumableID"), credentialFromContext(r.Context()))
	if err != nil {
		h.writeUpstreamError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, metadata)
}

// bearerAuthMiddleware rejects requests without a bearer credential with a
// uniform 401. The credential itself is validated by the upstream on use.
func (h *Handler) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialKey, token)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}

	return strings.TrimSpace(auth[len(prefix):])
}

func credentialFromContext(ctx context.Context) string {
	if cred, ok := ctx.Value(credentialKey).(string); ok {
		return cred
	}

	return ""
}

// writeUpstreamError maps catalog errors onto HTTP statuses: upstream auth
// failures become a uniform 401, unavailability a 502.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	logctx.LoggerFromContext(r.Context()).Error("upstream request failed", "err", err)

	writeError(w, upstreamStatus(err), err.Error())
}

func upstreamStatus(err error) int {
	switch {
	case catalog.IsUnauthorized(err):
		return http.StatusUnauthorized
	case catalog.IsUpstreamUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
