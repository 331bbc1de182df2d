package registry

import (
	"sync"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// transmuxer is the registry's view of a running HLS encoder process. The
// transmux package provides the real one; tests substitute their own.
type transmuxer interface {
	Playlist() string
	Alive() bool
	StderrTail() []string
	Reap()
}

// Torrent is the central record for one managed torrent. The registry owns
// every instance; the alert loop, reaper, and HTTP handlers hold borrowed
// references and go through the mutex for all mutable fields.
type Torrent struct {
	Hash    domain.InfoHash
	Magnet  string
	AddedAt time.Time

	mu            sync.Mutex
	handle        ports.Handle
	state         domain.TorrentState
	name          string
	files         []domain.FileRef
	video         domain.FileRef
	hasVideo      bool
	errMsg        string
	hlsLastAccess time.Time
	tm            transmuxer

	// startMu serializes transmuxer spawns so N concurrent playlist
	// requests start at most one process. Never held across tm reads.
	startMu sync.Mutex

	// removed is closed when the record enters Removing; long-running work
	// (range read retries, source polling) selects on it.
	removed chan struct{}
}

func newTorrent(hash domain.InfoHash, magnet string, handle ports.Handle, now time.Time) *Torrent {
	return &Torrent{
		Hash:    hash,
		Magnet:  magnet,
		AddedAt: now,
		handle:  handle,
		state:   domain.StateMetadataPending,
		removed: make(chan struct{}),
	}
}

func (t *Torrent) State() domain.TorrentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transitionLocked applies a validated state change. Caller holds t.mu.
func (t *Torrent) transitionLocked(to domain.TorrentState) bool {
	if t.state == to {
		return true
	}
	if !domain.CanTransition(t.state, to) {
		return false
	}
	t.state = to
	if to == domain.StateRemoving {
		select {
		case <-t.removed:
		default:
			close(t.removed)
		}
	}
	return true
}

func (t *Torrent) Handle() ports.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Removed is closed once the record has entered Removing.
func (t *Torrent) Removed() <-chan struct{} { return t.removed }

// TouchHLS advances the HLS access time. Out-of-order writers reconcile by
// taking the max, keeping the timestamp monotone.
func (t *Torrent) TouchHLS(now time.Time) {
	t.mu.Lock()
	if now.After(t.hlsLastAccess) {
		t.hlsLastAccess = now
	}
	t.mu.Unlock()
}

func (t *Torrent) HLSLastAccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hlsLastAccess
}

// activeTransmuxer returns the published encoder, or nil when no stream is
// active. A non-nil result guarantees the playlist file existed at publish
// time.
func (t *Torrent) activeTransmuxer() transmuxer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tm
}

// VideoFile returns the chosen playback target.
func (t *Torrent) VideoFile() (domain.FileRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video, t.hasVideo
}

func (t *Torrent) Files() []domain.FileRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.FileRef(nil), t.files...)
}

// Status assembles the wire read model from the record and a live handle
// sample. Rates convert from bytes/sec to KB/s at this boundary.
func (t *Torrent) Status() domain.TorrentStatus {
	t.mu.Lock()
	handle := t.handle
	state := t.state
	name := t.name
	errMsg := t.errMsg
	files := append([]domain.FileRef(nil), t.files...)
	t.mu.Unlock()

	status := domain.TorrentStatus{
		Hash:   t.Hash,
		Name:   name,
		Status: state,
		Error:  errMsg,
		Files:  make([]domain.FileStatus, 0, len(files)),
	}
	if handle == nil {
		return status
	}

	stats := handle.Stats()
	status.Progress = stats.Progress * 100
	status.DownloadRate = stats.DownloadBytes / 1024
	status.UploadRate = stats.UploadBytes / 1024
	status.NumPeers = stats.Peers

	for _, f := range files {
		var progress float64
		if f.Length > 0 {
			progress = float64(handle.FileBytesCompleted(f.Index)) / float64(f.Length) * 100
		}
		status.Files = append(status.Files, domain.FileStatus{
			Name:     f.Path,
			Size:     f.Length,
			Progress: progress,
			IsVideo:  f.IsVideo,
		})
	}
	return status
}
