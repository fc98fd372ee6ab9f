// Package config resolves the typed service configuration from the
// environment. An optional .env file is preloaded; validation fails fast so
// a misconfigured process never starts serving.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects the store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
)

// Config is the full, immutable runtime configuration.
type Config struct {
	DatabasePath     string
	DatabaseBackend  Backend
	GitHubToken      string
	GitHubAPIURL     string
	TargetRepos      []string
	PollInterval     time.Duration
	PollWorkers      int
	APIHost          string
	APIPort          int
	CORSOrigins      []string
	CommitExtraction bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present, without overriding real env vars.
func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is not an error

	cfg := Config{
		DatabasePath:    envOr("DATABASE_PATH", "./github_events.db"),
		DatabaseBackend: Backend(envOr("DATABASE_BACKEND", string(BackendSQLite))),
		GitHubToken:     os.Getenv("GITHUB_TOKEN"),
		GitHubAPIURL:    envOr("GITHUB_API_URL", "https://api.github.com"),
		APIHost:         envOr("API_HOST", "0.0.0.0"),
	}

	if cfg.DatabasePath == "" {
		return Config{}, fmt.Errorf("DATABASE_PATH must not be empty")
	}
	switch cfg.DatabaseBackend {
	case BackendSQLite, BackendBolt:
	default:
		return Config{}, fmt.Errorf("DATABASE_BACKEND must be %q or %q, got %q",
			BackendSQLite, BackendBolt, cfg.DatabaseBackend)
	}

	if u, err := url.Parse(cfg.GitHubAPIURL); err != nil || !u.IsAbs() {
		return Config{}, fmt.Errorf("GITHUB_API_URL must be an absolute URL, got %q", cfg.GitHubAPIURL)
	}

	for _, repo := range splitList(os.Getenv("TARGET_REPOSITORIES")) {
		if strings.Count(repo, "/") != 1 {
			return Config{}, fmt.Errorf("TARGET_REPOSITORIES entry %q is not owner/name", repo)
		}
		cfg.TargetRepos = append(cfg.TargetRepos, repo)
	}

	pollSeconds, err := envInt("POLL_INTERVAL", 300)
	if err != nil {
		return Config{}, err
	}
	if pollSeconds < 1 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be >= 1, got %d", pollSeconds)
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	cfg.PollWorkers, err = envInt("POLL_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	if cfg.PollWorkers < 1 {
		return Config{}, fmt.Errorf("POLL_WORKERS must be >= 1, got %d", cfg.PollWorkers)
	}

	cfg.APIPort, err = envInt("API_PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	if cfg.APIPort < 1 || cfg.APIPort > 65535 {
		return Config{}, fmt.Errorf("API_PORT must be in 1..65535, got %d", cfg.APIPort)
	}

	cfg.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))

	cfg.CommitExtraction, err = envBool("COMMIT_EXTRACTION", false)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// BindAddr returns the host:port the HTTP server listens on.
func (c Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, v)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
