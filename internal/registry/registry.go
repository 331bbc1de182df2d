// Package registry owns the process-wide mapping from infohash to torrent
// record and drives each record's lifecycle: admission, metadata, warm
// cache, streaming, idle reclamation, and removal.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/scheduler"
	"torrentcast/internal/transmux"
)

type Config struct {
	DownloadDir     string
	HLSDir          string
	FFmpegPath      string
	SourceTimeout   time.Duration
	PlaylistTimeout time.Duration
	// WarmCachePause pauses the torrent once the warm cache completes.
	// Disabling it keeps the swarm downloading the whole video file.
	WarmCachePause bool
}

type Registry struct {
	session ports.Session
	sched   *scheduler.Scheduler
	cfg     Config
	logger  *slog.Logger

	mu       sync.RWMutex
	torrents map[domain.InfoHash]*Torrent

	// onChange is invoked (outside locks) whenever a torrent's state
	// changes; the HTTP layer hangs its websocket broadcast here.
	onChange func()

	// startTransmux spawns the encoder process; tests substitute a fake.
	startTransmux func(ctx context.Context, cfg transmux.Config, source, dir string) (transmuxer, error)
}

func New(session ports.Session, sched *scheduler.Scheduler, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		session:  session,
		sched:    sched,
		cfg:      cfg,
		logger:   logger,
		torrents: make(map[domain.InfoHash]*Torrent),
		startTransmux: func(ctx context.Context, cfg transmux.Config, source, dir string) (transmuxer, error) {
			return transmux.Start(ctx, cfg, source, dir)
		},
	}
}

// SetOnChange installs the state-change hook. Must be called before the
// alert loop starts.
func (r *Registry) SetOnChange(fn func()) { r.onChange = fn }

func (r *Registry) notifyChange() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Add admits a magnet link. It blocks until the session reports a valid
// infohash or the admission timeout elapses. When the infohash is already
// registered the existing record wins and created is false.
func (r *Registry) Add(ctx context.Context, magnet string) (domain.InfoHash, bool, error) {
	handle, err := r.session.Add(ctx, magnet)
	if err != nil {
		return "", false, err
	}
	hash := handle.Hash()

	r.mu.Lock()
	if _, exists := r.torrents[hash]; exists {
		r.mu.Unlock()
		return hash, false, nil
	}
	t := newTorrent(hash, magnet, handle, time.Now())
	r.torrents[hash] = t
	count := len(r.torrents)
	r.mu.Unlock()

	metrics.TorrentsAddedTotal.Inc()
	metrics.ActiveTorrents.Set(float64(count))
	r.logger.Info("torrent registered",
		slog.String("infohash", string(hash)),
	)
	r.notifyChange()
	return hash, true, nil
}

func (r *Registry) Get(hash domain.InfoHash) (*Torrent, bool) {
	r.mu.RLock()
	t, ok := r.torrents[hash]
	r.mu.RUnlock()
	return t, ok
}

func (r *Registry) Status(hash domain.InfoHash) (domain.TorrentStatus, error) {
	t, ok := r.Get(hash)
	if !ok {
		return domain.TorrentStatus{}, domain.ErrNotFound
	}
	return t.Status(), nil
}

func (r *Registry) List() []domain.TorrentStatus {
	r.mu.RLock()
	records := make([]*Torrent, 0, len(r.torrents))
	for _, t := range r.torrents {
		records = append(records, t)
	}
	r.mu.RUnlock()

	out := make([]domain.TorrentStatus, 0, len(records))
	for _, t := range records {
		out = append(out, t.Status())
	}
	return out
}

// Remove is the only deletion path: transition to Removing (cancelling all
// dependent work), reap the transmuxer, erase the on-disk payload and the
// HLS tree, then evict the record.
func (r *Registry) Remove(ctx context.Context, hash domain.InfoHash) error {
	t, ok := r.Get(hash)
	if !ok {
		return domain.ErrNotFound
	}

	t.mu.Lock()
	t.transitionLocked(domain.StateRemoving)
	tm := t.tm
	t.tm = nil
	t.handle = nil
	t.mu.Unlock()

	if tm != nil {
		tm.Reap()
	}

	if err := r.session.Remove(hash, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("session remove failed",
			slog.String("infohash", string(hash)),
			slog.String("error", err.Error()),
		)
	}

	hlsDir := filepath.Join(r.cfg.HLSDir, string(hash))
	if err := os.RemoveAll(hlsDir); err != nil {
		r.logger.Warn("hls tree removal failed",
			slog.String("dir", hlsDir),
			slog.String("error", err.Error()),
		)
	}

	r.mu.Lock()
	delete(r.torrents, hash)
	count := len(r.torrents)
	r.mu.Unlock()

	metrics.TorrentsRemovedTotal.Inc()
	metrics.ActiveTorrents.Set(float64(count))
	r.logger.Info("torrent evicted", slog.String("infohash", string(hash)))
	r.notifyChange()
	return nil
}

// ReapIdle sweeps torrents whose HLS stream has gone unused longer than
// idleFor: the transmuxer is reaped, piece demand reset, the swarm paused,
// and the record returns to Idle. Called by the reaper on its tick; it
// never deletes the torrent itself.
func (r *Registry) ReapIdle(now time.Time, idleFor time.Duration) int {
	r.mu.RLock()
	candidates := make([]*Torrent, 0)
	for _, t := range r.torrents {
		candidates = append(candidates, t)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, t := range candidates {
		t.mu.Lock()
		tm := t.tm
		last := t.hlsLastAccess
		if tm == nil || now.Sub(last) <= idleFor {
			t.mu.Unlock()
			continue
		}
		t.tm = nil
		handle := t.handle
		fileCount := len(t.files)
		t.transitionLocked(domain.StateIdle)
		t.mu.Unlock()

		tm.Reap()
		if handle != nil {
			r.sched.Reset(handle, fileCount)
			handle.Pause()
		}
		metrics.StreamsReapedTotal.Inc()
		reaped++
		r.logger.Info("idle stream reaped",
			slog.String("infohash", string(t.Hash)),
			slog.Duration("idle", now.Sub(last)),
		)
	}
	if reaped > 0 {
		r.notifyChange()
	}
	return reaped
}

// SampleSwarm aggregates live swarm stats across every registered torrent
// and pushes them to the session-wide gauges. Called on the alert loop tick.
func (r *Registry) SampleSwarm() {
	r.mu.RLock()
	records := make([]*Torrent, 0, len(r.torrents))
	for _, t := range r.torrents {
		records = append(records, t)
	}
	r.mu.RUnlock()

	var down, up float64
	var peers int
	for _, t := range records {
		h := t.Handle()
		if h == nil {
			continue
		}
		stats := h.Stats()
		down += stats.DownloadBytes
		up += stats.UploadBytes
		peers += stats.Peers
	}
	metrics.DownloadSpeedBytes.Set(down)
	metrics.UploadSpeedBytes.Set(up)
	metrics.PeersConnected.Set(float64(peers))
}

// ResumeRecords snapshots the minimal posture of every torrent for the
// best-effort shutdown flush.
func (r *Registry) ResumeRecords() []domain.ResumeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ResumeRecord, 0, len(r.torrents))
	for _, t := range r.torrents {
		t.mu.Lock()
		out = append(out, domain.ResumeRecord{
			Hash:    t.Hash,
			Magnet:  t.Magnet,
			Name:    t.name,
			State:   t.state,
			AddedAt: t.AddedAt,
		})
		t.mu.Unlock()
	}
	return out
}

// Restore re-admits previously flushed torrents in a paused posture. Errors
// are logged and skipped; restore is best-effort by design.
func (r *Registry) Restore(ctx context.Context, records []domain.ResumeRecord) {
	for _, rec := range records {
		if rec.Magnet == "" {
			continue
		}
		hash, created, err := r.Add(ctx, rec.Magnet)
		if err != nil {
			r.logger.Warn("torrent restore failed",
				slog.String("infohash", string(rec.Hash)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !created {
			continue
		}
		if t, ok := r.Get(hash); ok {
			if h := t.Handle(); h != nil {
				h.Pause()
			}
		}
		r.logger.Info("torrent restored", slog.String("infohash", string(hash)))
	}
}

// Close drains the registry at shutdown without deleting payload data.
func (r *Registry) Close() {
	r.mu.Lock()
	records := make([]*Torrent, 0, len(r.torrents))
	for _, t := range r.torrents {
		records = append(records, t)
	}
	r.torrents = make(map[domain.InfoHash]*Torrent)
	r.mu.Unlock()

	for _, t := range records {
		t.mu.Lock()
		t.transitionLocked(domain.StateRemoving)
		tm := t.tm
		t.tm = nil
		t.mu.Unlock()
		if tm != nil {
			tm.Reap()
		}
	}
}
