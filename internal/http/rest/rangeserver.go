package rest

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/logctx"
)

const audioContentType = "audio/mpeg"

// byteRange is a validated, inclusive byte window within a file.
type byteRange struct {
	start  int64
	end    int64
	length int64
}

// HandleLocalStream serves a cached audio file with partial-content
// semantics so a player can seek without re-downloading: no Range header
// yields the full file with 200, a valid bytes=start-end window yields
// 206 limited to that window, and an unsatisfiable window yields 416.
// Only completed files are reachable here; in-progress downloads live
// under a temp suffix.
func (h *Handler) HandleLocalStream(w http.ResponseWriter, r *http.Request) {
	consumableID := chi.URLParam(r, "consumableID")
	if !download.IsValidID(consumableID) {
		h.telemetry.RecordRangeRequest("400")
		writeError(w, http.StatusBadRequest, "invalid consumable id")

		return
	}

	f, err := os.Open(h.downloads.FilePath(consumableID))
	if err != nil {
		h.telemetry.RecordRangeRequest("404")
		writeError(w, http.StatusNotFound, "no cached file")

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.telemetry.RecordRangeRequest("500")
		writeError(w, http.StatusInternalServerError, "failed to stat cached file")

		return
	}

	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", audioContentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.telemetry.RecordRangeRequest("200")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)

		if r.Method != http.MethodHead {
			h.copyAudio(w, r, f, size)
		}

		return
	}

	br, ok := parseRange(rangeHeader, size)
	if !ok {
		h.telemetry.RecordRangeRequest("416")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	if _, err := f.Seek(br.start, io.SeekStart); err != nil {
		h.telemetry.RecordRangeRequest("500")
		writeError(w, http.StatusInternalServerError, "failed to seek cached file")

		return
	}

	h.telemetry.RecordRangeRequest("206")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method != http.MethodHead {
		h.copyAudio(w, r, io.LimitReader(f, br.length), br.length)
	}
}

// copyAudio streams bytes to the client; a broken pipe mid-playback is
// normal (seek, pause, tab close) and logged at debug only.
func (h *Handler) copyAudio(w http.ResponseWriter, r *http.Request, src io.Reader, expected int64) {
	written, err := io.Copy(w, src)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("local stream interrupted",
			"written", written, "expected", expected, "err", err)
	}
}

// parseRange parses a single "bytes=<start>-<end?>" header against the
// file size. Suffix ranges ("bytes=-500") and multipart ranges are not
// produced by audio players and are rejected. An end beyond the file is
// clamped per RFC 7233; a start at or past the end of file is
// unsatisfiable.
func parseRange(header string, size int64) (byteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, false
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, false
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return byteRange{}, false
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return byteRange{}, false
	}

	end := size - 1

	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false
		}

		if end >= size {
			end = size - 1
		}
	}

	return byteRange{start: start, end: end, length: end - start + 1}, true
}
