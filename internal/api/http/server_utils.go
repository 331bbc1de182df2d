package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"torrentcast/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeGatewayError maps the domain error taxonomy onto HTTP statuses.
// Metadata not being ready yet is a retryable condition, so it reports
// 503 rather than 404.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidMagnet), errors.Is(err, domain.ErrInvalidInfoHash):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
	case errors.Is(err, domain.ErrMetadataTimeout), errors.Is(err, domain.ErrMetadataNotReady):
		writeError(w, http.StatusServiceUnavailable, "metadata_not_ready", err.Error())
	case errors.Is(err, domain.ErrNoVideoFile):
		writeError(w, http.StatusNotFound, "no_video_file", err.Error())
	case errors.Is(err, domain.ErrSourceTimeout), errors.Is(err, domain.ErrTransmuxFailed), errors.Is(err, domain.ErrTorrentErrored):
		writeError(w, http.StatusInternalServerError, "stream_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
