package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/metrics"
	"torrentcast/internal/registry"
	"torrentcast/internal/transmux"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"

	rangeChunkSize  = 1 << 20
	rangeRetryDelay = 500 * time.Millisecond
)

// handleStream routes everything under /api/stream/. The shapes are
// {id}, {id}/file/{index} and {id}/{segment}; only GET is accepted.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming_disabled", "streaming is not available")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/stream/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
		return
	}

	hash, err := domain.ParseInfoHash(parts[0])
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	switch {
	case len(parts) == 1:
		s.handlePlaylist(w, r, hash)
	case len(parts) == 3 && parts[1] == "file":
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
			return
		}
		s.handleFileRange(w, r, hash, index)
	case len(parts) == 2:
		s.handleSegment(w, r, hash, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request, hash domain.InfoHash) {
	playlist, err := s.streams.EnsureStream(r.Context(), hash)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	http.ServeFile(w, r, playlist)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, hash domain.InfoHash, segment string) {
	path, err := s.streams.SegmentPath(hash, segment)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	w.Header().Set("Content-Type", segmentContentType)
	http.ServeFile(w, r, path)
}

// handleFileRange serves a single file of the torrent over HTTP ranges.
// Containers the browser cannot play natively are remuxed to fragmented
// MP4 on the fly; those responses are not seekable.
func (s *Server) handleFileRange(w http.ResponseWriter, r *http.Request, hash domain.InfoHash, index int) {
	src, err := s.streams.FileSource(hash, index)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	if src.Remux {
		s.serveRemuxed(w, r, src)
		return
	}

	start, end := int64(0), src.Size-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err = parseByteRange(rangeHeader, src.Size)
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", src.Size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "invalid_range", "range not satisfiable")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", "invalid range header")
			return
		}
		status = http.StatusPartialContent
	}

	if src.Prioritize != nil {
		src.Prioritize(start, end)
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, src.Size))
	}
	w.WriteHeader(status)

	if err := s.copyFileRange(w, r, src, start, end); err != nil {
		s.logger.Debug("range stream ended early",
			slog.String("hash", string(hash)),
			slog.Int("file", index),
			slog.String("error", err.Error()))
	}
}

// copyFileRange reads the on-disk file in chunks, waiting out regions the
// swarm has not delivered yet. A short read means the piece is still in
// flight, so the loop sleeps and retries at the same offset until the
// client goes away or the torrent is removed.
func (s *Server) copyFileRange(w http.ResponseWriter, r *http.Request, src registry.StreamSource, start, end int64) error {
	// The storage layer creates the file lazily with the first completed
	// piece, so the open itself may need to wait for the swarm too.
	var f *os.File
	for {
		var err error
		f, err = os.Open(src.Path)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		case <-src.Cancelled:
			return domain.ErrNotFound
		case <-time.After(rangeRetryDelay):
		}
	}
	defer f.Close()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, rangeChunkSize)
	offset := start

	for offset <= end {
		want := int64(len(buf))
		if remaining := end - offset + 1; remaining < want {
			want = remaining
		}

		n, readErr := f.ReadAt(buf[:want], offset)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
			metrics.RangeBytesServedTotal.Add(float64(n))
			offset += int64(n)
		}
		if readErr == nil {
			continue
		}
		if readErr != io.EOF && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return readErr
		}
		if offset > end {
			break
		}

		// Data past the current write frontier; wait for the swarm.
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		case <-src.Cancelled:
			return domain.ErrNotFound
		case <-time.After(rangeRetryDelay):
		}
	}
	return nil
}

// serveRemuxed pipes the file through the encoder as fragmented MP4.
// Range requests do not apply here since output length is unknown.
func (s *Server) serveRemuxed(w http.ResponseWriter, r *http.Request, src registry.StreamSource) {
	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)

	err := transmux.RemuxMP4(r.Context(), s.ffmpegPath, src.Path, w, s.logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("remux stream failed", slog.String("error", err.Error()))
	}
}
