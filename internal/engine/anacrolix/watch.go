package anacrolix

import (
	"context"
	"log/slog"
	"time"

	"torrentcast/internal/domain"
)

// metadataAbandonTimeout is how long a torrent may sit without metadata
// before the watcher gives up on it. Zero-peer magnets never resolve; left
// alone they leak a goroutine and a dead session entry.
const metadataAbandonTimeout = 10 * time.Minute

// watch turns library events for one torrent into the session's alert
// queue: metadata arrival, per-piece completion, and overall completion.
// It exits when the handle is removed or the session closes.
func (s *Session) watch(ctx context.Context, h *Handle) {
	t := h.t

	select {
	case <-t.GotInfo():
		s.post(domain.Alert{Kind: domain.AlertMetadataReceived, Hash: h.hash})
	case <-ctx.Done():
		return
	case <-time.After(metadataAbandonTimeout):
		s.post(domain.Alert{
			Kind:    domain.AlertTorrentError,
			Hash:    h.hash,
			Message: "metadata never arrived",
		})
		return
	}

	sub := t.SubscribePieceStateChanges()
	defer sub.Close()

	length := t.Length()
	finished := false

	for {
		select {
		case <-ctx.Done():
			return
		case psc, ok := <-sub.Values:
			if !ok {
				return
			}
			if !psc.Complete {
				continue
			}
			s.post(domain.Alert{
				Kind:  domain.AlertPieceFinished,
				Hash:  h.hash,
				Piece: psc.Index,
			})
			if !finished && length > 0 && t.BytesCompleted() >= length {
				finished = true
				s.post(domain.Alert{Kind: domain.AlertTorrentFinished, Hash: h.hash})
				s.logger.Info("torrent finished",
					slog.String("infohash", string(h.hash)),
				)
			}
		}
	}
}
