package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/metrics"
	"torrentcast/internal/transmux"
)

// EnsureStream is the idempotent entry point for HLS playback: it resumes
// the torrent if paused, prioritizes the video head, spawns the transmuxer
// if none is running, and returns the playlist path. Concurrent calls for
// the same torrent start at most one process.
func (r *Registry) EnsureStream(ctx context.Context, hash domain.InfoHash) (string, error) {
	t, ok := r.Get(hash)
	if !ok {
		return "", domain.ErrNotFound
	}
	t.TouchHLS(time.Now())

	t.mu.Lock()
	state := t.state
	errMsg := t.errMsg
	handle := t.handle
	t.mu.Unlock()

	switch state {
	case domain.StateErrored:
		return "", fmt.Errorf("%w: %s", domain.ErrTorrentErrored, errMsg)
	case domain.StateRemoving:
		return "", domain.ErrNotFound
	}
	if handle == nil {
		return "", domain.ErrNotFound
	}
	if !handle.Ready() {
		return "", domain.ErrMetadataNotReady
	}

	video, hasVideo := t.VideoFile()
	if !hasVideo {
		// Metadata may have arrived between loop ticks; fall back to the
		// live handle rather than waiting a tick.
		video, hasVideo = domain.LargestVideoFile(handle.Files())
		if !hasVideo {
			return "", domain.ErrNoVideoFile
		}
	}

	t.startMu.Lock()
	defer t.startMu.Unlock()

	if tm := t.activeTransmuxer(); tm != nil {
		if tm.Alive() {
			return tm.Playlist(), nil
		}
		// Encoder crashed since publish; clear it and start fresh.
		r.logger.Warn("transmuxer found dead, restarting",
			slog.String("infohash", string(hash)),
			slog.String("stderr", strings.Join(tm.StderrTail(), " | ")),
		)
		t.mu.Lock()
		t.tm = nil
		t.mu.Unlock()
		tm.Reap()
	}

	if handle.Paused() {
		handle.Resume()
	}
	t.mu.Lock()
	t.transitionLocked(domain.StateStreaming)
	t.mu.Unlock()
	r.sched.PrioritizeHead(handle, video)

	source, err := r.resolveSourcePath(video.Path)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(r.cfg.HLSDir, string(hash))

	// The spawn waits on slow disks and swarms; cancel it if the torrent
	// is removed mid-flight, but never tie the process itself to the
	// request context.
	spawnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Removed():
			cancel()
		case <-spawnCtx.Done():
		}
	}()

	tm, err := r.startTransmux(spawnCtx, transmux.Config{
		FFmpegPath:      r.cfg.FFmpegPath,
		SourceTimeout:   r.cfg.SourceTimeout,
		PlaylistTimeout: r.cfg.PlaylistTimeout,
		Logger:          r.logger,
	}, source, dir)
	if err != nil {
		// The torrent goes back to Idle; a later request may retry.
		t.mu.Lock()
		t.transitionLocked(domain.StateIdle)
		t.mu.Unlock()
		return "", err
	}

	// The spawn can outrun a concurrent Remove: the record is already
	// evicted, so an encoder published now would have no owner. Removal
	// wins; reap the fresh process instead of publishing it.
	t.mu.Lock()
	if t.state == domain.StateRemoving {
		t.mu.Unlock()
		tm.Reap()
		return "", domain.ErrNotFound
	}
	t.tm = tm
	t.mu.Unlock()
	t.TouchHLS(time.Now())
	r.notifyChange()
	return tm.Playlist(), nil
}

// SegmentPath validates a segment name and resolves it inside the torrent's
// HLS directory, touching the access time on success.
func (r *Registry) SegmentPath(hash domain.InfoHash, segment string) (string, error) {
	if !validSegmentName(segment) {
		return "", domain.ErrNotFound
	}
	t, ok := r.Get(hash)
	if !ok {
		return "", domain.ErrNotFound
	}

	path := filepath.Join(r.cfg.HLSDir, string(hash), segment)
	if _, err := os.Stat(path); err != nil {
		return "", domain.ErrNotFound
	}
	t.TouchHLS(time.Now())
	return path, nil
}

// validSegmentName rejects anything that could escape the HLS directory:
// path separators, traversal, or an empty name.
func validSegmentName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return true
}

// StreamSource describes one file served over the direct byte endpoint.
type StreamSource struct {
	Path  string
	Size  int64
	Remux bool
	// Prioritize biases the swarm toward the requested byte interval.
	Prioritize func(start, end int64)
	// Cancelled is closed when the torrent is removed; readers abandon
	// their retry loops on it.
	Cancelled <-chan struct{}
}

// FileSource prepares a file of the torrent for a direct byte-range read:
// resumes the swarm if needed and returns the resolved on-disk path plus a
// prioritization hook for the scheduler.
func (r *Registry) FileSource(hash domain.InfoHash, fileIndex int) (StreamSource, error) {
	t, ok := r.Get(hash)
	if !ok {
		return StreamSource{}, domain.ErrNotFound
	}

	handle := t.Handle()
	if handle == nil {
		return StreamSource{}, domain.ErrNotFound
	}
	if !handle.Ready() {
		return StreamSource{}, domain.ErrMetadataNotReady
	}

	files := t.Files()
	if len(files) == 0 {
		files = handle.Files()
	}
	if fileIndex < 0 || fileIndex >= len(files) {
		return StreamSource{}, domain.ErrNotFound
	}
	file := files[fileIndex]

	path, err := r.resolveSourcePath(file.Path)
	if err != nil {
		return StreamSource{}, err
	}

	if handle.Paused() {
		handle.Resume()
	}
	t.mu.Lock()
	t.transitionLocked(domain.StateStreaming)
	t.mu.Unlock()

	metrics.RangeRequestsTotal.Inc()
	return StreamSource{
		Path:  path,
		Size:  file.Length,
		Remux: domain.NeedsRemux(file.Path),
		Prioritize: func(start, end int64) {
			r.sched.PrioritizeRange(handle, fileIndex, start, end)
		},
		Cancelled: t.Removed(),
	}, nil
}

// resolveSourcePath joins a torrent-relative path against the download root
// and refuses anything that resolves outside it.
func (r *Registry) resolveSourcePath(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" || filepath.IsAbs(relPath) {
		return "", errors.New("invalid source path")
	}
	baseAbs, err := filepath.Abs(r.cfg.DownloadDir)
	if err != nil {
		return "", err
	}
	baseAbs = filepath.Clean(baseAbs)
	full := filepath.Clean(filepath.Join(baseAbs, filepath.FromSlash(relPath)))
	if !strings.HasPrefix(full, baseAbs+string(os.PathSeparator)) {
		return "", errors.New("invalid source path")
	}
	return full, nil
}
