package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all settings for the export studio. Values come from the
// optional TOML config file, overridden by environment variables, overridden
// by CLI flags.
type Config struct {
	DataDir  string `toml:"data_dir"`
	DBPath   string `toml:"db_path"`
	CacheDir string `toml:"cache_dir"`
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`

	Chunking ChunkingConfig `toml:"chunking"`
	Fabric   FabricConfig   `toml:"fabric"`
	PDF      PDFConfig      `toml:"pdf"`
}

// ChunkingConfig holds default chunker parameters.
type ChunkingConfig struct {
	TargetSize int `toml:"target_size"`
	Overlap    int `toml:"overlap"`
}

// FabricConfig configures the external AI-pattern tool invoked by workers.
type FabricConfig struct {
	Binary         string `toml:"binary"`
	Vendor         string `toml:"vendor"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PDFConfig configures the markdown-to-PDF rendering chain.
type PDFConfig struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Default returns a config with built-in defaults rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "exportstudio.db"),
		CacheDir: filepath.Join(dataDir, "generated"),
		Port:     8760,
		LogLevel: "info",
		Chunking: ChunkingConfig{
			TargetSize: 2500,
			Overlap:    250,
		},
		Fabric: FabricConfig{
			Binary:         "fabric",
			Vendor:         "GrokAI",
			Model:          "grok-4-1-fast-non-reasoning",
			Language:       "fr",
			TimeoutSeconds: 300,
		},
		PDF: PDFConfig{
			Binary:         "wkhtmltopdf",
			TimeoutSeconds: 120,
		},
	}
}

// DefaultDataDir is where the database and cache live unless overridden.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".exportstudio"
	}
	return filepath.Join(home, ".exportstudio")
}

// DefaultPath is the config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load reads the config file at path (a missing file is fine) and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default(DefaultDataDir())

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	cfg.DataDir = envStr("EXPORTSTUDIO_DATA_DIR", cfg.DataDir)
	cfg.DBPath = envStr("EXPORTSTUDIO_DB", cfg.DBPath)
	cfg.CacheDir = envStr("EXPORTSTUDIO_CACHE_DIR", cfg.CacheDir)
	cfg.Port = envInt("EXPORTSTUDIO_PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Fabric.Binary = envStr("FABRIC_BINARY", cfg.Fabric.Binary)
	cfg.Fabric.Vendor = envStr("FABRIC_VENDOR", cfg.Fabric.Vendor)
	cfg.Fabric.Model = envStr("FABRIC_MODEL", cfg.Fabric.Model)
	cfg.Fabric.Language = envStr("FABRIC_LANGUAGE", cfg.Fabric.Language)

	return cfg, nil
}

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
