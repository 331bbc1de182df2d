package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// defaultMaxConns is the per-torrent connection cap restored on resume.
const defaultMaxConns = 200

// defaultAddTimeout caps how long Add blocks waiting for the client to
// accept a magnet. AddMagnet can stall on an internal client mutex when the
// client is busy resolving metadata for another torrent.
const defaultAddTimeout = 30 * time.Second

// alertBuffer bounds the synthesized alert queue. The loop drains at 1 Hz;
// overflow drops the newest alert rather than blocking the watcher.
const alertBuffer = 1024

type Config struct {
	DataDir    string
	ListenPort int           // session listen port on all interfaces
	MaxConns   int           // per-torrent established connections; 0 = defaultMaxConns
	AddTimeout time.Duration // 0 = defaultAddTimeout
}

// Session is the facade over the anacrolix client. It is the only code in
// the repository that imports the torrent library.
type Session struct {
	client     *torrent.Client
	dataDir    string
	maxConns   int
	addTimeout time.Duration
	logger     *slog.Logger

	mu      sync.RWMutex
	handles map[domain.InfoHash]*Handle

	alerts chan domain.Alert
}

func New(cfg Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	// No global rate limiting; the piece scheduler is the only throttle.
	clientConfig.EstablishedConnsPerTorrent = maxConnsOrDefault(cfg.MaxConns)

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("torrent client init: %w", err)
	}

	addTimeout := cfg.AddTimeout
	if addTimeout <= 0 {
		addTimeout = defaultAddTimeout
	}

	return &Session{
		client:     client,
		dataDir:    cfg.DataDir,
		maxConns:   maxConnsOrDefault(cfg.MaxConns),
		addTimeout: addTimeout,
		logger:     logger,
		handles:    make(map[domain.InfoHash]*Handle),
		alerts:     make(chan domain.Alert, alertBuffer),
	}, nil
}

func maxConnsOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return defaultMaxConns
}

func (s *Session) Add(ctx context.Context, magnet string) (ports.Handle, error) {
	if s.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMagnet, err)
	}
	hash := domain.InfoHash(strings.ToLower(m.InfoHash.HexString()))

	s.mu.RLock()
	existing, ok := s.handles[hash]
	s.mu.RUnlock()
	if ok {
		return existing, nil
	}

	// Run AddMagnet with a timeout so admission never blocks the HTTP
	// handler past the metadata budget.
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := s.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMagnet, res.err)
		}
		t = res.t
	case <-time.After(s.addTimeout):
		// AddMagnet may still complete later; drop the orphan when it does.
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, domain.ErrMetadataTimeout
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}

	hash = domain.InfoHash(strings.ToLower(t.InfoHash().HexString()))

	s.mu.Lock()
	if existing, ok := s.handles[hash]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		session: s,
		t:       t,
		hash:    hash,
		cancel:  cancel,
	}
	s.handles[hash] = h
	s.mu.Unlock()

	go s.watch(watchCtx, h)

	s.logger.Info("torrent admitted",
		slog.String("infohash", string(hash)),
	)
	return h, nil
}

func (s *Session) Get(hash domain.InfoHash) (ports.Handle, bool) {
	s.mu.RLock()
	h, ok := s.handles[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *Session) Remove(hash domain.InfoHash, deleteFiles bool) error {
	s.mu.Lock()
	h, ok := s.handles[hash]
	if ok {
		delete(s.handles, hash)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	h.cancel()

	var files []domain.FileRef
	if h.Ready() {
		files = h.Files()
	}
	h.invalidate()

	if deleteFiles {
		if err := removeTorrentFiles(s.dataDir, files); err != nil {
			s.logger.Warn("torrent file removal failed",
				slog.String("infohash", string(hash)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("torrent removed",
		slog.String("infohash", string(hash)),
		slog.Bool("deleteFiles", deleteFiles),
	)
	return nil
}

// DrainAlerts pops every pending synthesized alert without blocking.
func (s *Session) DrainAlerts() []domain.Alert {
	var out []domain.Alert
	for {
		select {
		case a := <-s.alerts:
			out = append(out, a)
		default:
			return out
		}
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	for _, h := range s.handles {
		h.cancel()
	}
	s.handles = make(map[domain.InfoHash]*Handle)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	errList := s.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// post enqueues an alert, dropping it when the buffer is full. A dropped
// piece_finished alert is recovered on the next one; the loop re-checks
// cumulative progress, not individual pieces.
func (s *Session) post(a domain.Alert) {
	select {
	case s.alerts <- a:
	default:
		s.logger.Warn("alert queue full, dropping alert",
			slog.String("kind", a.Kind.String()),
			slog.String("infohash", string(a.Hash)),
		)
	}
}

// removeTorrentFiles erases the torrent's on-disk payload, refusing any
// path that resolves outside the download root.
func removeTorrentFiles(baseDir string, files []domain.FileRef) error {
	if strings.TrimSpace(baseDir) == "" {
		return errors.New("data dir not configured")
	}

	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	baseAbs = filepath.Clean(baseAbs)

	dirs := make(map[string]struct{})
	for _, file := range files {
		if strings.TrimSpace(file.Path) == "" || filepath.IsAbs(file.Path) {
			return errors.New("invalid file path")
		}
		fullPath := filepath.Clean(filepath.Join(baseAbs, filepath.FromSlash(file.Path)))
		if !strings.HasPrefix(fullPath, baseAbs+string(os.PathSeparator)) {
			return errors.New("invalid file path")
		}
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		for dir := filepath.Dir(fullPath); dir != baseAbs && strings.HasPrefix(dir, baseAbs); dir = filepath.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}

	// Prune now-empty directories, deepest first. Remove fails on non-empty
	// directories, which is exactly the behavior wanted here.
	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, dir := range ordered {
		_ = os.Remove(dir)
	}
	return nil
}
