package anacrolix

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"torrentcast/internal/domain"
)

// Handle wraps one anacrolix torrent. Methods degrade to no-ops once the
// torrent has been removed; the registry treats stale handles as a 404, not
// a crash.
type Handle struct {
	session *Session
	t       *torrent.Torrent
	hash    domain.InfoHash
	cancel  context.CancelFunc

	mu        sync.Mutex
	deadlined map[int]struct{} // pieces raised to urgent priority
	paused    bool
	invalid   bool
	speed     speedSample
}

type speedSample struct {
	at       time.Time
	download int64
	upload   int64
	downRate float64
	upRate   float64
}

func (h *Handle) Hash() domain.InfoHash { return h.hash }

func (h *Handle) valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.invalid && h.t != nil
}

func (h *Handle) invalidate() {
	h.mu.Lock()
	t := h.t
	h.invalid = true
	h.mu.Unlock()
	if t != nil {
		t.Drop()
	}
}

func (h *Handle) Ready() bool {
	if !h.valid() {
		return false
	}
	select {
	case <-h.t.GotInfo():
		return true
	default:
		return false
	}
}

func (h *Handle) Name() string {
	if !h.valid() {
		return ""
	}
	return h.t.Name()
}

func (h *Handle) Files() []domain.FileRef {
	if !h.Ready() {
		return nil
	}
	files := h.t.Files()
	out := make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		out = append(out, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
			IsVideo:        domain.IsVideoPath(f.Path()),
		})
	}
	return out
}

func (h *Handle) FileBytesCompleted(fileIndex int) int64 {
	if !h.Ready() {
		return 0
	}
	files := h.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return 0
	}
	return files[fileIndex].BytesCompleted()
}

func (h *Handle) Stats() domain.HandleStats {
	if !h.valid() {
		return domain.HandleStats{}
	}
	stats := h.t.Stats()

	var progress float64
	if h.Ready() {
		if length := h.t.Length(); length > 0 {
			progress = float64(h.t.BytesCompleted()) / float64(length)
		}
	}

	h.mu.Lock()
	down, up := h.sampleSpeedLocked(
		stats.BytesReadData.Int64(),
		stats.BytesWrittenData.Int64(),
	)
	paused := h.paused
	h.mu.Unlock()

	return domain.HandleStats{
		Progress:      progress,
		DownloadBytes: down,
		UploadBytes:   up,
		Peers:         stats.ActivePeers,
		Paused:        paused,
	}
}

// sampleSpeedLocked derives bytes/sec rates from consecutive counter reads.
// Caller must hold h.mu.
func (h *Handle) sampleSpeedLocked(download, upload int64) (float64, float64) {
	now := time.Now()
	if !h.speed.at.IsZero() {
		elapsed := now.Sub(h.speed.at).Seconds()
		if elapsed >= 0.5 {
			h.speed.downRate = float64(download-h.speed.download) / elapsed
			h.speed.upRate = float64(upload-h.speed.upload) / elapsed
			h.speed.at, h.speed.download, h.speed.upload = now, download, upload
		}
	} else {
		h.speed.at, h.speed.download, h.speed.upload = now, download, upload
	}
	if h.speed.downRate < 0 {
		h.speed.downRate = 0
	}
	if h.speed.upRate < 0 {
		h.speed.upRate = 0
	}
	return h.speed.downRate, h.speed.upRate
}

func (h *Handle) SetFilePriorities(prios []int) {
	if !h.Ready() {
		return
	}
	files := h.t.Files()
	for i, f := range files {
		if i >= len(prios) {
			break
		}
		if prios[i] <= 0 {
			f.SetPriority(torrent.PiecePriorityNone)
		} else {
			f.SetPriority(torrent.PiecePriorityNormal)
		}
	}
}

// SetPieceDeadline biases the swarm toward the piece. The library has no
// wall-clock deadline primitive, so any positive budget maps to its
// strongest request priority.
func (h *Handle) SetPieceDeadline(piece int, _ int) {
	if !h.Ready() {
		return
	}
	if piece < 0 || piece >= h.t.NumPieces() {
		return
	}
	h.t.Piece(piece).SetPriority(torrent.PiecePriorityNow)
	h.mu.Lock()
	if h.deadlined == nil {
		h.deadlined = make(map[int]struct{})
	}
	h.deadlined[piece] = struct{}{}
	h.mu.Unlock()
}

func (h *Handle) ClearPieceDeadlines() {
	h.mu.Lock()
	deadlined := h.deadlined
	h.deadlined = nil
	h.mu.Unlock()

	if !h.Ready() {
		return
	}
	numPieces := h.t.NumPieces()
	for piece := range deadlined {
		if piece >= 0 && piece < numPieces {
			h.t.Piece(piece).SetPriority(torrent.PiecePriorityNone)
		}
	}
}

func (h *Handle) PieceRange(fileIndex int, off, length int64) (int, int, bool) {
	if !h.Ready() || length <= 0 {
		return 0, 0, false
	}
	files := h.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return 0, 0, false
	}
	return computePieceRange(h.t, files[fileIndex], off, length)
}

// computePieceRange maps a byte interval of a file onto the half-open piece
// interval covering it, clamped to the file and the torrent.
func computePieceRange(t *torrent.Torrent, f *torrent.File, off, length int64) (int, int, bool) {
	pieceSize := t.Info().PieceLength
	if pieceSize <= 0 || f.Length() <= 0 {
		return 0, 0, false
	}

	fileOffset := f.Offset()
	fileEnd := fileOffset + f.Length()
	start := fileOffset + off
	if start < fileOffset {
		start = fileOffset
	}
	if start >= fileEnd {
		return 0, 0, false
	}
	end := start + length
	if end > fileEnd || end < start {
		end = fileEnd
	}

	begin := int(start / pieceSize)
	stop := int((end + pieceSize - 1) / pieceSize)

	numPieces := t.NumPieces()
	if begin < 0 {
		begin = 0
	}
	if begin >= numPieces {
		return 0, 0, false
	}
	if stop > numPieces {
		stop = numPieces
	}
	if stop <= begin {
		stop = begin + 1
	}
	return begin, stop, true
}

// Pause disconnects the torrent from the swarm without dropping it. The
// library has no per-torrent pause, so data transfer is disallowed and the
// connection cap driven to zero, which drops every peer.
func (h *Handle) Pause() {
	if !h.valid() {
		return
	}
	h.t.DisallowDataDownload()
	h.t.DisallowDataUpload()
	h.t.SetMaxEstablishedConns(0)
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// Resume re-enables transfer and peer connections. It deliberately does not
// request the whole torrent; the piece scheduler decides what downloads.
func (h *Handle) Resume() {
	if !h.valid() {
		return
	}
	maxConns := defaultMaxConns
	if h.session != nil {
		maxConns = h.session.maxConns
	}
	h.t.SetMaxEstablishedConns(maxConns)
	h.t.AllowDataUpload()
	h.t.AllowDataDownload()
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
}

func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}
