package ports

import (
	"context"

	"torrentcast/internal/domain"
)

// Handle is a borrowed reference to one torrent inside the session. All
// methods must tolerate an invalidated handle (torrent removed) by
// degrading to a no-op or zero value; removal races are resolved by the
// registry, not here.
type Handle interface {
	Hash() domain.InfoHash
	// Ready reports whether torrent metadata has arrived.
	Ready() bool
	Name() string
	Files() []domain.FileRef
	Stats() domain.HandleStats
	FileBytesCompleted(fileIndex int) int64

	// SetFilePriorities applies per-file download priorities: 0 skips the
	// file, anything positive downloads it at normal priority.
	SetFilePriorities(prios []int)
	// SetPieceDeadline asks the swarm to deliver the piece urgently. The
	// millisecond budget is advisory; the library turns it into its
	// strongest request bias.
	SetPieceDeadline(piece int, millis int)
	// ClearPieceDeadlines undoes every deadline previously set on this
	// handle and returns the affected pieces to no priority.
	ClearPieceDeadlines()
	// PieceRange maps the byte interval [off, off+length) of a file to the
	// half-open piece interval covering it.
	PieceRange(fileIndex int, off, length int64) (begin, end int, ok bool)

	Pause()
	Resume()
	Paused() bool
}

// Session owns the process-wide BitTorrent client. Only the facade package
// touches the library; everything above speaks this interface.
type Session interface {
	// Add parses and admits a magnet link, blocking until the handle
	// reports a valid infohash or the admission timeout elapses.
	Add(ctx context.Context, magnet string) (Handle, error)
	Get(hash domain.InfoHash) (Handle, bool)
	// Remove drops the torrent and, when deleteFiles is set, erases its
	// on-disk payload.
	Remove(hash domain.InfoHash, deleteFiles bool) error
	// DrainAlerts pops every pending alert without blocking.
	DrainAlerts() []domain.Alert
	Close() error
}

// ResumeStore persists the minimal torrent posture across restarts:
// best-effort flush at shutdown, load at startup.
type ResumeStore interface {
	Flush(ctx context.Context, records []domain.ResumeRecord) error
	Load(ctx context.Context) ([]domain.ResumeRecord, error)
}
