// Package config loads StreamFlix settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds remote-store, storage and server settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Remote store (Telegram MTProto)
	APIID       int
	APIHash     string
	SessionFile string // MTProto session storage path
	ChannelID   int64  // channel whose files form the library

	// External metadata API
	TMDBAPIKey  string
	TMDBBaseURL string // override for tests; default https://api.themoviedb.org/3
	TMDBImgURL  string // override for tests; default https://image.tmdb.org/t/p

	// HTTP
	Port         int // public API + streaming
	InternalPort int // loopback raw endpoint for the media tool
	MaxConns     int // listener connection cap; 0 = unlimited

	// Storage
	DataDir string // metadata/, tv_cache/, posters/, backdrops/, list_caches.json

	// Streaming
	ChunkSize    int64 // remote read alignment; 1 MiB unless overridden for tests
	MaxCacheSize int64 // chunk cache byte bound

	// Media tools
	FFmpegPath  string
	FFprobePath string

	// Admin auth
	JWTSecret     string
	AdminUser     string
	AdminPassword string

	// Background work
	SyncInterval time.Duration // min spacing between full channel scans
}

const (
	DefaultChunkSize    = 1 << 20   // remote protocol requires offset % limit == 0
	DefaultMaxCacheSize = 100 << 20 // 100 MiB of chunk bytes
)

// Load reads config from environment variables (STREAMFLIX_* keys).
func Load() *Config {
	c := &Config{
		APIID:         getEnvInt("STREAMFLIX_API_ID", 0),
		APIHash:       os.Getenv("STREAMFLIX_API_HASH"),
		SessionFile:   getEnv("STREAMFLIX_SESSION_FILE", "./session.json"),
		ChannelID:     getEnvInt64("STREAMFLIX_CHANNEL_ID", 0),
		TMDBAPIKey:    os.Getenv("STREAMFLIX_TMDB_API_KEY"),
		TMDBBaseURL:   getEnv("STREAMFLIX_TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBImgURL:    getEnv("STREAMFLIX_TMDB_IMAGE_URL", "https://image.tmdb.org/t/p"),
		Port:          getEnvInt("STREAMFLIX_PORT", 8080),
		InternalPort:  getEnvInt("STREAMFLIX_INTERNAL_PORT", 8081),
		MaxConns:      getEnvInt("STREAMFLIX_MAX_CONNS", 0),
		DataDir:       getEnv("STREAMFLIX_DATA_DIR", "./data"),
		ChunkSize:     getEnvInt64("STREAMFLIX_CHUNK_SIZE", DefaultChunkSize),
		MaxCacheSize:  getEnvInt64("STREAMFLIX_MAX_CACHE_SIZE", DefaultMaxCacheSize),
		FFmpegPath:    getEnv("STREAMFLIX_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   getEnv("STREAMFLIX_FFPROBE_PATH", "ffprobe"),
		JWTSecret:     os.Getenv("STREAMFLIX_JWT_SECRET"),
		AdminUser:     getEnv("STREAMFLIX_ADMIN_USER", "admin"),
		AdminPassword: os.Getenv("STREAMFLIX_ADMIN_PASSWORD"),
		SyncInterval:  getEnvDuration("STREAMFLIX_SYNC_INTERVAL", 7*time.Minute),
	}
	if c.ChunkSize <= 0 || c.ChunkSize&(c.ChunkSize-1) != 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = DefaultMaxCacheSize
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 7 * time.Minute
	}
	return c
}

// Validate reports missing settings that prevent startup.
func (c *Config) Validate() error {
	if c.APIID == 0 || c.APIHash == "" {
		return fmt.Errorf("STREAMFLIX_API_ID and STREAMFLIX_API_HASH are required")
	}
	if c.ChannelID == 0 {
		return fmt.Errorf("STREAMFLIX_CHANNEL_ID is required")
	}
	return nil
}

// MetadataDir returns the per-file JSON record directory.
func (c *Config) MetadataDir() string { return filepath.Join(c.DataDir, "metadata") }

// TVCacheDir returns the show-aggregate cache directory.
func (c *Config) TVCacheDir() string { return filepath.Join(c.DataDir, "tv_cache") }

// PostersDir returns the poster image directory.
func (c *Config) PostersDir() string { return filepath.Join(c.DataDir, "posters") }

// BackdropsDir returns the backdrop image directory.
func (c *Config) BackdropsDir() string { return filepath.Join(c.DataDir, "backdrops") }

// ListingCachePath returns the last-known remote listing file.
func (c *Config) ListingCachePath() string { return filepath.Join(c.DataDir, "list_caches.json") }

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.MetadataDir(), c.TVCacheDir(), c.PostersDir(), c.BackdropsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
