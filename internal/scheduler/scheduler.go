// Package scheduler translates playback intent into piece-level library
// primitives: warm-cache prefetch on metadata arrival, urgent-first range
// prioritization for seeks, and the reset applied when a stream is reaped.
package scheduler

import (
	"log/slog"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// urgentDeadlineMillis is the advisory budget attached to pieces the player
// needs immediately.
const urgentDeadlineMillis = 1000

type Scheduler struct {
	warmCacheBytes int64
	logger         *slog.Logger
}

func New(warmCacheBytes int64, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{warmCacheBytes: warmCacheBytes, logger: logger}
}

func (s *Scheduler) WarmCacheBytes() int64 { return s.warmCacheBytes }

// BeginWarmCache selects the playback target and biases the swarm toward
// its head: every other file is dropped to priority zero and each piece
// covering the leading warm-cache window gets an urgent deadline. Returns
// the chosen video file, or ok=false when the torrent has no video.
func (s *Scheduler) BeginWarmCache(h ports.Handle, files []domain.FileRef) (domain.FileRef, bool) {
	video, ok := domain.LargestVideoFile(files)
	if !ok {
		return domain.FileRef{}, false
	}

	prios := make([]int, len(files))
	prios[video.Index] = 1
	h.SetFilePriorities(prios)

	begin, end, ok := h.PieceRange(video.Index, 0, s.warmCacheBytes)
	if !ok {
		return video, true
	}
	for piece := begin; piece < end; piece++ {
		h.SetPieceDeadline(piece, urgentDeadlineMillis)
	}

	s.logger.Info("warm cache started",
		slog.String("infohash", string(h.Hash())),
		slog.String("file", video.Path),
		slog.Int64("bytes", s.warmCacheBytes),
		slog.Int("pieces", end-begin),
	)
	return video, true
}

// WarmCacheComplete reports whether the leading warm-cache window of the
// file is fully on disk.
func (s *Scheduler) WarmCacheComplete(h ports.Handle, file domain.FileRef) bool {
	want := s.warmCacheBytes
	if file.Length < want {
		want = file.Length
	}
	return h.FileBytesCompleted(file.Index) >= want
}

// PrioritizeRange services a seek: the first piece covering the requested
// byte interval becomes urgent, the rest return to default demand so the
// library fills them in order behind the urgent one.
func (s *Scheduler) PrioritizeRange(h ports.Handle, fileIndex int, start, end int64) {
	if end < start {
		return
	}
	begin, _, ok := h.PieceRange(fileIndex, start, end-start+1)
	if !ok {
		return
	}
	h.SetPieceDeadline(begin, urgentDeadlineMillis)
}

// PrioritizeHead marks the head of the file urgent so the transmuxer's
// first sequential reads are served quickly; its ongoing reads drive the
// rest of the demand.
func (s *Scheduler) PrioritizeHead(h ports.Handle, file domain.FileRef) {
	begin, _, ok := h.PieceRange(file.Index, 0, s.warmCacheBytes)
	if !ok {
		return
	}
	h.SetPieceDeadline(begin, urgentDeadlineMillis)
}

// Reset clears every outstanding deadline and restores uniform priorities
// across all files. Applied when a stream is reaped.
func (s *Scheduler) Reset(h ports.Handle, fileCount int) {
	h.ClearPieceDeadlines()
	prios := make([]int, fileCount)
	for i := range prios {
		prios[i] = 1
	}
	h.SetFilePriorities(prios)
}
