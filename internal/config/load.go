package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultSessionTTL is used when session.ttl is not configured: 7 days.
const DefaultSessionTTL = 7 * 24 * time.Hour

// KnownProviders are the provider names routes are registered for.
var KnownProviders = []string{"google", "instagram", "facebook", "pinterest", "tiktok"}

// Load reads, resolves, and validates a config file. Environment references
// are resolved during unmarshaling, so a missing variable fails here rather
// than mid-flow.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	if config.Session.TTL == 0 {
		config.Session.TTL = Duration(DefaultSessionTTL)
	}
	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageKindMemory
	}
	if config.Server.PostLoginURL == "" {
		config.Server.PostLoginURL = "/"
	}

	if config.Admin != nil {
		hashed, err := bcrypt.GenerateFromPassword([]byte(config.Admin.Password), bcrypt.DefaultCost)
		if err != nil {
			return Config{}, fmt.Errorf("hashing admin password: %w", err)
		}
		config.Admin.HashedPassword = hashed
	}

	return config, nil
}

// Validate checks the resolved configuration.
func Validate(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	base, err := url.Parse(config.Server.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("server.baseURL must be an absolute URL")
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	// Sessions signed with an empty secret would be forgeable. Fail startup.
	if config.Session.Secret == "" {
		return fmt.Errorf("session.secret is required")
	}
	if config.Session.TTL < 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	switch config.Storage.Kind {
	case "", StorageKindMemory:
	case StorageKindFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required for firestore storage")
		}
		if len(config.Storage.EncryptionKey) != 32 {
			return fmt.Errorf("storage.encryptionKey must be exactly 32 bytes for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage.kind %q", config.Storage.Kind)
	}

	if config.Admin != nil {
		if config.Admin.Username == "" || config.Admin.Password == "" {
			return fmt.Errorf("admin.username and admin.password are both required when admin is set")
		}
	}

	if len(config.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, provider := range config.Providers {
		if !isKnownProvider(name) {
			return fmt.Errorf("unknown provider %q", name)
		}
		if provider == nil || provider.ClientID == "" || provider.ClientSecret == "" {
			return fmt.Errorf("provider %s: clientId and clientSecret are required", name)
		}
		if name != "google" && len(provider.AllowedDomains) > 0 {
			return fmt.Errorf("provider %s: allowedDomains is only supported for login providers", name)
		}
	}

	return nil
}

func isKnownProvider(name string) bool {
	for _, known := range KnownProviders {
		if name == known {
			return true
		}
	}
	return false
}
