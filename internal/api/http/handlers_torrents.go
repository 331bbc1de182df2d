package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"torrentcast/internal/domain"
)

const addTorrentTimeout = 35 * time.Second

type addTorrentRequest struct {
	Magnet string `json:"magnet_link"`
}

type addTorrentResponse struct {
	Message   string `json:"message"`
	TorrentID string `json:"torrent_id"`
}

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAddTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	var req addTorrentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Magnet) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet_link is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), addTorrentTimeout)
	defer cancel()

	hash, created, err := s.torrents.Add(ctx, req.Magnet)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	message := "torrent added"
	if !created {
		message = "torrent already added"
	}
	writeJSON(w, http.StatusAccepted, addTorrentResponse{
		Message:   message,
		TorrentID: hash.String(),
	})
}

func (s *Server) handleListTorrents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.torrents.List())
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/torrents/")
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
		return
	}
	hash, err := domain.ParseInfoHash(raw)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, err := s.torrents.Status(hash)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := s.torrents.Remove(r.Context(), hash); err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "torrent removed"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
