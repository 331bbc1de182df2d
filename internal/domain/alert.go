package domain

// AlertKind enumerates the session events the alert loop dispatches on.
// Anything else coming out of the library is dropped on the floor.
type AlertKind int

const (
	AlertMetadataReceived AlertKind = iota
	AlertPieceFinished
	AlertTorrentFinished
	AlertTorrentError
)

func (k AlertKind) String() string {
	switch k {
	case AlertMetadataReceived:
		return "metadata_received"
	case AlertPieceFinished:
		return "piece_finished"
	case AlertTorrentFinished:
		return "torrent_finished"
	case AlertTorrentError:
		return "torrent_error"
	default:
		return "unknown"
	}
}

// Alert is one event drained from the session. Piece is only meaningful for
// AlertPieceFinished, Message only for AlertTorrentError.
type Alert struct {
	Kind    AlertKind
	Hash    InfoHash
	Piece   int
	Message string
}
