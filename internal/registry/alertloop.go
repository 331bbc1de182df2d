package registry

import (
	"context"
	"log/slog"
	"time"

	"torrentcast/internal/domain"
)

// AlertLoop is the single long-running task that drains session alerts and
// advances torrent state. For a given infohash every transition it makes is
// totally ordered: the loop is the only writer of state fields outside the
// registry's add/remove paths.
type AlertLoop struct {
	reg      *Registry
	interval time.Duration
}

func NewAlertLoop(reg *Registry, interval time.Duration) *AlertLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &AlertLoop{reg: reg, interval: interval}
}

func (l *AlertLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick drains everything pending and dispatches per alert kind. Unknown or
// stale alerts (removed torrents) are dropped silently.
func (l *AlertLoop) tick() {
	changed := false
	for _, alert := range l.reg.session.DrainAlerts() {
		t, ok := l.reg.Get(alert.Hash)
		if !ok {
			continue
		}
		switch alert.Kind {
		case domain.AlertMetadataReceived:
			changed = l.onMetadata(t) || changed
		case domain.AlertPieceFinished:
			changed = l.onPieceFinished(t) || changed
		case domain.AlertTorrentFinished:
			changed = l.onFinished(t) || changed
		case domain.AlertTorrentError:
			changed = l.onError(t, alert.Message) || changed
		}
	}

	// Self-heal: a metadata alert can be dropped when it races with Add
	// registering the record. Promote any pending torrent whose handle
	// turned ready in the meantime.
	changed = l.sweepPending() || changed

	l.reg.SampleSwarm()

	if changed {
		l.reg.notifyChange()
	}
}

func (l *AlertLoop) sweepPending() bool {
	changed := false
	for _, status := range l.reg.List() {
		if status.Status != domain.StateMetadataPending {
			continue
		}
		t, ok := l.reg.Get(status.Hash)
		if !ok {
			continue
		}
		if h := t.Handle(); h != nil && h.Ready() {
			changed = l.onMetadata(t) || changed
		}
	}
	return changed
}

// onMetadata populates the file list, picks the playback target, and starts
// the warm cache. A torrent with no video file goes straight to Idle and is
// paused; there is nothing to prefetch.
func (l *AlertLoop) onMetadata(t *Torrent) bool {
	handle := t.Handle()
	if handle == nil || !handle.Ready() {
		return false
	}
	files := handle.Files()
	name := handle.Name()

	t.mu.Lock()
	if t.state != domain.StateMetadataPending {
		t.mu.Unlock()
		return false
	}
	t.files = files
	t.name = name
	t.transitionLocked(domain.StateWarmCaching)
	t.mu.Unlock()

	video, ok := l.reg.sched.BeginWarmCache(handle, files)
	if !ok {
		l.reg.logger.Warn("no video file in torrent",
			slog.String("infohash", string(t.Hash)),
		)
		t.mu.Lock()
		t.transitionLocked(domain.StateIdle)
		t.mu.Unlock()
		handle.Pause()
		return true
	}

	t.mu.Lock()
	t.video = video
	t.hasVideo = true
	t.mu.Unlock()

	l.reg.logger.Info("metadata received",
		slog.String("infohash", string(t.Hash)),
		slog.String("name", name),
		slog.Int("files", len(files)),
	)
	return true
}

// onPieceFinished checks warm-cache completion: once the video file's
// leading window is on disk, deadlines are cleared, the record goes Idle,
// and (by policy) the torrent is paused until a stream starts.
func (l *AlertLoop) onPieceFinished(t *Torrent) bool {
	t.mu.Lock()
	state := t.state
	video := t.video
	hasVideo := t.hasVideo
	handle := t.handle
	t.mu.Unlock()

	if state != domain.StateWarmCaching || !hasVideo || handle == nil {
		return false
	}
	if !l.reg.sched.WarmCacheComplete(handle, video) {
		return false
	}

	handle.ClearPieceDeadlines()

	t.mu.Lock()
	ok := t.transitionLocked(domain.StateIdle)
	t.mu.Unlock()
	if !ok {
		return false
	}

	if l.reg.cfg.WarmCachePause {
		handle.Pause()
	}
	l.reg.logger.Info("warm cache complete",
		slog.String("infohash", string(t.Hash)),
		slog.Bool("paused", l.reg.cfg.WarmCachePause),
	)
	return true
}

func (l *AlertLoop) onFinished(t *Torrent) bool {
	t.mu.Lock()
	ok := t.transitionLocked(domain.StateSeeding)
	t.mu.Unlock()
	if ok {
		l.reg.logger.Info("torrent seeding", slog.String("infohash", string(t.Hash)))
	}
	return ok
}

func (l *AlertLoop) onError(t *Torrent, message string) bool {
	t.mu.Lock()
	t.errMsg = message
	ok := t.transitionLocked(domain.StateErrored)
	t.mu.Unlock()
	if ok {
		l.reg.logger.Error("torrent errored",
			slog.String("infohash", string(t.Hash)),
			slog.String("error", message),
		)
	}
	return ok
}
