package domain

import (
	"errors"
	"strings"
)

// InfoHash is the 40-character lowercase hex rendering of a torrent's
// v1 info-hash. It is the sole identity of a torrent in this service.
type InfoHash string

var ErrInvalidInfoHash = errors.New("invalid infohash")

// ParseInfoHash normalizes a caller-supplied infohash to lowercase hex.
// Hybrid (v2) torrents are reported by their truncated v1 hash, so 40
// hex characters is the only accepted shape.
func ParseInfoHash(raw string) (InfoHash, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if len(h) != 40 {
		return "", ErrInvalidInfoHash
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidInfoHash
		}
	}
	return InfoHash(h), nil
}

func (h InfoHash) String() string { return string(h) }
