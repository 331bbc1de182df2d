package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         int    // HTTP listen port; the session listens on Port+10
	DownloadPath string // torrent payload root, shared with the library
	HLSPath      string // per-torrent HLS output root

	WarmCacheSizeMB    int64
	WarmCacheTimeout   time.Duration // idle threshold before the reaper reclaims a stream
	WarmCachePause     bool          // pause the swarm once the warm cache completes
	ReaperInterval     time.Duration
	AlertInterval      time.Duration
	MetadataTimeout    time.Duration
	SourceFileTimeout  time.Duration
	PlaylistTimeout    time.Duration
	MaxConnections     int
	FFmpegPath         string
	MongoURI           string // empty disables resume persistence
	MongoDatabase      string
	LogLevel           string
	LogFormat          string
}

func LoadConfig() Config {
	return Config{
		Port:              int(getEnvInt64("PORT", 6991)),
		DownloadPath:      getEnv("DOWNLOAD_PATH", "downloads"),
		HLSPath:           getEnv("HLS_PATH", "hls"),
		WarmCacheSizeMB:   getEnvInt64("WARM_CACHE_SIZE_MB", 20),
		WarmCacheTimeout:  time.Duration(getEnvInt64("WARM_CACHE_TIMEOUT_MINUTES", 20)) * time.Minute,
		WarmCachePause:    getEnvBool("WARM_CACHE_PAUSE", true),
		ReaperInterval:    time.Minute,
		AlertInterval:     time.Second,
		MetadataTimeout:   30 * time.Second,
		SourceFileTimeout: 300 * time.Second,
		PlaylistTimeout:   120 * time.Second,
		MaxConnections:    int(getEnvInt64("MAX_CONNECTIONS", 200)),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		MongoURI:          getEnv("MONGO_URI", ""),
		MongoDatabase:     getEnv("MONGO_DB", "torrentcast"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
}

// SessionPort is the BitTorrent listen port, offset from the HTTP port so
// both can be derived from one setting.
func (c Config) SessionPort() int { return c.Port + 10 }

func (c Config) WarmCacheBytes() int64 { return c.WarmCacheSizeMB << 20 }

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
