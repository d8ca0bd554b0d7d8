package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/mergegate/pkg/cache"
)

// Config holds the tool configuration: where the local artifact cache
// lives and, optionally, the shared remote cache. Pipeline manifests
// are separate; this file only configures the environment the tool
// runs in.
type Config struct {
	CacheDir    string
	RemoteCache cache.ObjectConfig
	ReportDir   string
	ConfigDir   string
}

// FileConfig represents the structure of ~/.mergegate/config.yaml.
type FileConfig struct {
	Cache  CacheFileConfig `yaml:"cache"`
	Report ReportConfig    `yaml:"report"`
}

// CacheFileConfig holds cache configuration from file.
type CacheFileConfig struct {
	Dir    string             `yaml:"dir"`
	Remote cache.ObjectConfig `yaml:"remote"`
}

// ReportConfig holds report output configuration from file.
type ReportConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from the config file and environment
// variables. Environment variables take precedence over file
// configuration; secrets are expected through the environment in CI.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig := loadFileConfig(filepath.Join(configDir, "config.yaml"))

	cfg := &Config{
		CacheDir:  getEnvOrDefault("MERGEGATE_CACHE_DIR", fileConfig.Cache.Dir),
		ReportDir: getEnvOrDefault("MERGEGATE_REPORT_DIR", fileConfig.Report.Dir),
		ConfigDir: configDir,
		RemoteCache: cache.ObjectConfig{
			Endpoint:  getEnvOrDefault("MERGEGATE_CACHE_ENDPOINT", fileConfig.Cache.Remote.Endpoint),
			AccessKey: getEnvOrDefault("MERGEGATE_CACHE_ACCESS_KEY", fileConfig.Cache.Remote.AccessKey),
			SecretKey: getEnvOrDefault("MERGEGATE_CACHE_SECRET_KEY", fileConfig.Cache.Remote.SecretKey),
			Region:    getEnvOrDefault("MERGEGATE_CACHE_REGION", fileConfig.Cache.Remote.Region),
			Bucket:    getEnvOrDefault("MERGEGATE_CACHE_BUCKET", fileConfig.Cache.Remote.Bucket),
			UseSSL:    fileConfig.Cache.Remote.UseSSL,
		},
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(configDir, "cache")
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = filepath.Join(configDir, "runs")
	}

	return cfg, nil
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mergegate"), nil
}

func loadFileConfig(path string) FileConfig {
	var fileConfig FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig
	}
	// A malformed config file is ignored rather than fatal; env vars
	// still apply.
	_ = yaml.Unmarshal(data, &fileConfig)
	return fileConfig
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
