package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"torrentcast/internal/domain"
	"torrentcast/internal/registry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TorrentGateway is the torrent lifecycle surface the handlers call.
type TorrentGateway interface {
	Add(ctx context.Context, magnet string) (domain.InfoHash, bool, error)
	Status(hash domain.InfoHash) (domain.TorrentStatus, error)
	List() []domain.TorrentStatus
	Remove(ctx context.Context, hash domain.InfoHash) error
}

// StreamGateway is the playback surface: HLS playlists and segments plus
// direct byte-range file access.
type StreamGateway interface {
	EnsureStream(ctx context.Context, hash domain.InfoHash) (string, error)
	SegmentPath(hash domain.InfoHash, segment string) (string, error)
	FileSource(hash domain.InfoHash, fileIndex int) (registry.StreamSource, error)
}

type Server struct {
	torrents       TorrentGateway
	streams        StreamGateway
	ffmpegPath     string
	downloadPath   string
	hlsPath        string
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithStreams(gw StreamGateway) ServerOption {
	return func(s *Server) {
		s.streams = gw
	}
}

func WithFFmpegPath(path string) ServerOption {
	return func(s *Server) {
		s.ffmpegPath = path
	}
}

// WithDataPaths tells the health endpoint which directories to probe.
func WithDataPaths(downloadPath, hlsPath string) ServerOption {
	return func(s *Server) {
		s.downloadPath = downloadPath
		s.hlsPath = hlsPath
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(torrents TorrentGateway, opts ...ServerOption) *Server {
	s := &Server{
		torrents:   torrents,
		ffmpegPath: "ffmpeg",
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/torrents", s.handleTorrents)
	mux.HandleFunc("/api/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/api/stream/", s.handleStream)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrentcast",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/api/health" && !strings.HasPrefix(p, "/api/stream/")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type healthResponse struct {
	Status         string `json:"status"`
	DownloadPath   string `json:"download_path"`
	HLSPath        string `json:"hls_path"`
	DownloadExists bool   `json:"download_exists"`
	HLSExists      bool   `json:"hls_exists"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		DownloadPath:   s.downloadPath,
		HLSPath:        s.hlsPath,
		DownloadExists: dirExists(s.downloadPath),
		HLSExists:      dirExists(s.hlsPath),
	})
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastStatuses pushes the full torrent status list to every connected
// WebSocket client. The registry calls this on state transitions.
func (s *Server) BroadcastStatuses() {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("torrents", s.torrents.List())
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
