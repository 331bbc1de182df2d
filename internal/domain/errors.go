package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidMagnet    = errors.New("invalid magnet link")
	ErrMetadataTimeout  = errors.New("timed out waiting for torrent metadata")
	ErrMetadataNotReady = errors.New("metadata not ready")
	ErrNoVideoFile      = errors.New("no video file in torrent")
	ErrSourceTimeout    = errors.New("timed out waiting for source file")
	ErrTransmuxFailed   = errors.New("transmuxer failed")
	ErrTorrentErrored   = errors.New("torrent is in error state")
)
