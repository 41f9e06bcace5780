package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string

	// Auth
	APIKey string

	// Storage
	DataDir      string
	UploadDir    string
	StoreBackend string
	DatabasePath string

	// Worker pool
	WorkerCount  int
	MaxQueueSize int
	RunTTL       time.Duration

	// Upload limits
	MaxUploadBytes int64

	// Progress streaming
	SubscriberBuffer int

	// Extraction
	Extractor            string
	OCRLanguage          string
	AnthropicAPIKey      string
	AnthropicModel       string
	PDFFallbackPdftotext bool
	StatsWindow          time.Duration
	TextPageTokens       int

	// Inbox watcher, disabled when empty
	InboxDir string

	ResumeOnStart   bool
	ShutdownTimeout time.Duration
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	ExtractorTesseract = "tesseract"
	ExtractorClaude    = "claude"
)

// Load builds the config from the environment. When CONFIG_FILE names a YAML
// file its keys (lowercase env names, e.g. worker_count) fill in anything the
// environment leaves unset.
func Load() (Config, error) {
	src := lookup{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	dataDir := src.envOr("DATA_DIR", "./data")
	cfg := Config{
		Port: src.envOr("PORT", "8090"),

		APIKey: src.envOr("API_KEY", ""),

		DataDir:      dataDir,
		UploadDir:    src.envOr("UPLOAD_DIR", filepath.Join(dataDir, "uploads")),
		StoreBackend: strings.ToLower(src.envOr("STORE_BACKEND", BackendSQLite)),
		DatabasePath: src.envOr("DATABASE_PATH", filepath.Join(dataDir, "dococr.db")),

		WorkerCount:  src.envInt("WORKER_COUNT", 4),
		MaxQueueSize: src.envInt("MAX_QUEUE_SIZE", 100),
		RunTTL:       src.envDuration("RUN_TTL", 1*time.Hour),

		MaxUploadBytes: src.envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB

		SubscriberBuffer: src.envInt("SUBSCRIBER_BUFFER", 32),

		Extractor:            strings.ToLower(src.envOr("EXTRACTOR", ExtractorTesseract)),
		OCRLanguage:          src.envOr("OCR_LANGUAGE", "eng"),
		AnthropicAPIKey:      src.envOr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:       src.envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		PDFFallbackPdftotext: src.envBool("PDF_FALLBACK_PDFTOTEXT", true),
		StatsWindow:          src.envDuration("STATS_WINDOW", 1*time.Hour),
		TextPageTokens:       src.envInt("TEXT_PAGE_TOKENS", 1500),

		InboxDir: src.envOr("INBOX_DIR", ""),

		ResumeOnStart:   src.envBool("RESUME_ON_START", true),
		ShutdownTimeout: src.envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 32
	}
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = 1 * time.Hour
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 1 * time.Hour
	}
	if cfg.TextPageTokens <= 0 {
		cfg.TextPageTokens = 1500
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendMemory, c.StoreBackend)
	}
	switch c.Extractor {
	case ExtractorTesseract:
	case ExtractorClaude:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the claude extractor")
		}
	default:
		return fmt.Errorf("EXTRACTOR must be %q or %q, got %q", ExtractorTesseract, ExtractorClaude, c.Extractor)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	if c.InboxDir != "" && filepath.Clean(c.InboxDir) == filepath.Clean(c.UploadDir) {
		return fmt.Errorf("INBOX_DIR must differ from UPLOAD_DIR")
	}
	return nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// lookup resolves a key from the environment, then the YAML file.
type lookup struct {
	file map[string]string
}

func (l lookup) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return l.file[strings.ToLower(key)]
}

func (l lookup) envOr(key, fallback string) string {
	if v := l.get(key); v != "" {
		return v
	}
	return fallback
}

func (l lookup) envInt(key string, fallback int) int {
	if v := l.get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (l lookup) envInt64(key string, fallback int64) int64 {
	if v := l.get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func (l lookup) envBool(key string, fallback bool) bool {
	if v := l.get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (l lookup) envDuration(key string, fallback time.Duration) time.Duration {
	if v := l.get(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
