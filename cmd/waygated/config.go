package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"

	"github.com/waygate/waygate/ratelimit"
)

// config is the YAML config format for waygated, grounded on cmd/dex's
// Config (Issuer/Storage/Web/Logger sections parsed with ghodss/yaml),
// narrowed to this spec's storage, fast-store, and rate-limit knobs.
type config struct {
	Issuer string `json:"issuer"`

	Storage struct {
		Driver string `json:"driver"` // "postgres", "sqlite3", or "memory"
		DSN    string `json:"dsn"`
	} `json:"storage"`

	FastStore struct {
		Driver string   `json:"driver"` // "redis" or "inprocess"
		Addrs  []string `json:"addrs"`
		Password string `json:"password"`
	} `json:"fastStore"`

	Web struct {
		HTTPAddr       string   `json:"httpAddr"`
		AllowedOrigins []string `json:"allowedOrigins"`
		AllowedHeaders []string `json:"allowedHeaders"`
	} `json:"web"`

	// EncryptionKey seals JWKS private keys and federated client secrets;
	// SHA-256-derived into a 32-byte AES key per spec.md §6.
	EncryptionKey string `json:"encryptionKey"`

	RateLimitOverrides map[string]struct {
		Capacity int    `json:"capacity"`
		Window   string `json:"window"`
	} `json:"rateLimitOverrides"`

	Logger struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"logger"`
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config: %w", err)
	}
	var c config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, c.validate()
}

func (c config) validate() error {
	var problems []string
	if c.Issuer == "" {
		problems = append(problems, "issuer must be set")
	}
	if c.Storage.Driver == "" {
		problems = append(problems, "storage.driver must be set")
	}
	if len(c.EncryptionKey) < 32 {
		problems = append(problems, "encryptionKey must be at least 32 characters")
	}
	if c.Web.HTTPAddr == "" {
		problems = append(problems, "web.httpAddr must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n\t- %s", strings.Join(problems, "\n\t- "))
	}
	return nil
}

func (c config) overrides() (*ratelimit.Overrides, error) {
	o := ratelimit.NewOverrides()
	for id, lim := range c.RateLimitOverrides {
		window, err := time.ParseDuration(lim.Window)
		if err != nil {
			return nil, fmt.Errorf("rateLimitOverrides[%q].window: %w", id, err)
		}
		o.Set(id, ratelimit.Limit{Capacity: lim.Capacity, Window: window})
	}
	return o, nil
}
