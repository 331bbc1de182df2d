package domain

import "time"

// FileStatus is the wire shape of one file inside a TorrentStatus.
type FileStatus struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	IsVideo  bool    `json:"is_video"`
}

// TorrentStatus is the read model served by GET /api/torrents. Rates are
// reported in KB/s to match the public contract.
type TorrentStatus struct {
	Hash         InfoHash     `json:"hash"`
	Name         string       `json:"name"`
	Status       TorrentState `json:"status"`
	Progress     float64      `json:"progress"`
	DownloadRate float64      `json:"download_rate"`
	UploadRate   float64      `json:"upload_rate"`
	NumPeers     int          `json:"num_peers"`
	Files        []FileStatus `json:"files"`
	Error        string       `json:"error,omitempty"`
}

// HandleStats is the raw sample the session facade reads off a handle.
// Rates are bytes/sec here; the registry converts for the wire.
type HandleStats struct {
	Progress      float64
	DownloadBytes float64
	UploadBytes   float64
	Peers         int
	Paused        bool
}

// ResumeRecord is the minimal posture flushed to the resume store at
// shutdown and re-admitted at startup. It is not a catalog: only what is
// needed to rejoin the swarm.
type ResumeRecord struct {
	Hash    InfoHash
	Magnet  string
	Name    string
	State   TorrentState
	AddedAt time.Time
}
