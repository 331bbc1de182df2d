package domain

import (
	"path"
	"strings"
)

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
	IsVideo        bool   `json:"isVideo"`
}

// videoExtensions are the container formats the gateway recognizes as
// streamable video when picking the playback target.
var videoExtensions = map[string]bool{
	".mp4": true,
	".mkv": true,
	".avi": true,
	".mov": true,
	".wmv": true,
	".flv": true,
}

func IsVideoPath(p string) bool {
	return videoExtensions[strings.ToLower(path.Ext(p))]
}

// NeedsRemux reports whether direct byte serving of the file would not play
// in a browser and the response must be remuxed into fragmented MP4 instead.
// MP4 and MOV share the ISO BMFF container and are served as-is.
func NeedsRemux(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".mov":
		return false
	default:
		return IsVideoPath(p)
	}
}

// LargestVideoFile picks the playback target: the largest file flagged as
// video. Ties break toward the lower index so the choice is deterministic.
func LargestVideoFile(files []FileRef) (FileRef, bool) {
	best := FileRef{Index: -1}
	var found bool
	for _, f := range files {
		if !f.IsVideo {
			continue
		}
		if !found || f.Length > best.Length {
			best = f
			found = true
		}
	}
	return best, found
}
