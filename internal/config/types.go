package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON resolves a {"$env": "VAR_NAME"} reference. Secrets must not
// appear literally in config files, so a plain string is rejected.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return fmt.Errorf("secret values must use {\"$env\": \"VAR_NAME\"} references, not literals")
	}

	var ref map[string]string
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("secret value must be an environment reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return fmt.Errorf("secret value must use {\"$env\": \"VAR_NAME\"} format")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return fmt.Errorf("environment variable %s not set", envVar)
	}

	*s = Secret(value)
	return nil
}

// Duration wraps time.Duration with "24h"-style JSON strings.
type Duration time.Duration

func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("duration must be a string like \"24h\"")
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", str, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// StorageKind selects the persistence backend.
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
)

// ServerConfig configures the HTTP listener and the broker's own origin.
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	PostLoginURL   string   `json:"postLoginURL,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// SessionConfig configures session token issuance. The secret is mandatory:
// an unset secret would silently degrade tokens to the forgeable "none"
// algorithm, so startup fails instead.
type SessionConfig struct {
	Secret Secret   `json:"secret"`
	TTL    Duration `json:"ttl,omitempty"`
}

// StorageConfig selects and configures the user/integration store.
type StorageConfig struct {
	Kind          StorageKind `json:"kind,omitempty"`
	GCPProject    string      `json:"gcpProject,omitempty"`
	Database      string      `json:"database,omitempty"`
	EncryptionKey Secret      `json:"encryptionKey,omitempty"`
}

// AdminConfig gates diagnostic surfaces (debug start URLs) outside dev mode.
type AdminConfig struct {
	Username string `json:"username"`
	Password Secret `json:"password"`

	// Computed at load time
	HashedPassword []byte `json:"-"`
}

// ProviderConfig holds one provider's OAuth client credentials.
type ProviderConfig struct {
	ClientID       Secret   `json:"clientId"`
	ClientSecret   Secret   `json:"clientSecret"`
	AllowedDomains []string `json:"allowedDomains,omitempty"` // login providers only
}

// Config is the resolved broker configuration.
type Config struct {
	Server    ServerConfig               `json:"server"`
	Session   SessionConfig              `json:"session"`
	Storage   StorageConfig              `json:"storage"`
	Admin     *AdminConfig               `json:"admin,omitempty"`
	Providers map[string]*ProviderConfig `json:"providers"`
}

// Provider returns the named provider config, or nil when not configured.
func (c *Config) Provider(name string) *ProviderConfig {
	return c.Providers[name]
}
