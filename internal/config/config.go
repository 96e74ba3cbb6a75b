package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported directory backends.
const (
	BackendLDAP     = "ldap"
	BackendEntra    = "entra"
	BackendKeycloak = "keycloak"
)

// Config holds all configuration for the memberof service.
type Config struct {
	Port    string `json:"port"`
	Backend string `json:"backend"`

	// Resolver defaults.
	ResolveMode    string        `json:"resolveMode"`
	ResolveWorkers int           `json:"resolveWorkers"`
	LookupTimeout  time.Duration `json:"-"`
	ResolveTimeout time.Duration `json:"-"`
	MaxDepth       int           `json:"-"`
	RetryAttempts  int           `json:"-"`
	RetryBase      time.Duration `json:"-"`

	// LDAP / Active Directory backend.
	LDAPURL          string `json:"-"`
	LDAPBaseDN       string `json:"-"`
	LDAPBindDN       string `json:"-"`
	LDAPBindPassword string `json:"-"`
	LDAPGroupClass   string `json:"-"`

	// Microsoft Entra ID backend.
	EntraTenantID     string `json:"-"`
	EntraClientID     string `json:"-"`
	EntraClientSecret string `json:"-"`

	// Keycloak backend.
	KeycloakURL          string `json:"-"`
	KeycloakRealm        string `json:"-"`
	KeycloakClientID     string `json:"-"`
	KeycloakClientSecret string `json:"-"`

	// Optional Vault source for the LDAP bind credential.
	VaultAddr       string `json:"-"`
	VaultAuthRole   string `json:"-"`
	VaultRootCAPath string `json:"-"`
	VaultSecretPath string `json:"-"`

	// API authentication. Auth is disabled when no issuer is configured.
	OIDCIssuerURL  string   `json:"-"`
	OIDCClientID   string   `json:"-"`
	ResolverGroups []string `json:"-"`

	CORSOrigin     string  `json:"-"`
	RateLimitRPS   float64 `json:"-"`
	RateLimitBurst int     `json:"-"`
}

// Load reads configuration from environment variables, applying defaults
// where appropriate, and validates that the selected backend has everything
// it needs.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envOrDefault("PORT", "8080"),
		Backend: envOrDefault("DIRECTORY_BACKEND", BackendLDAP),

		ResolveMode:    envOrDefault("RESOLVE_MODE", "strict"),
		ResolveWorkers: envInt("RESOLVE_WORKERS", 1),
		LookupTimeout:  envDuration("LOOKUP_TIMEOUT", 10*time.Second),
		ResolveTimeout: envDuration("RESOLVE_TIMEOUT", 2*time.Minute),
		MaxDepth:       envInt("RESOLVE_MAX_DEPTH", 0),
		RetryAttempts:  envInt("LOOKUP_RETRY_ATTEMPTS", 0),
		RetryBase:      envDuration("LOOKUP_RETRY_BASE", 200*time.Millisecond),

		LDAPURL:          os.Getenv("LDAP_URL"),
		LDAPBaseDN:       os.Getenv("LDAP_BASE_DN"),
		LDAPBindDN:       os.Getenv("LDAP_BIND_DN"),
		LDAPBindPassword: os.Getenv("LDAP_BIND_PASSWORD"),
		LDAPGroupClass:   envOrDefault("LDAP_GROUP_CLASS", "group"),

		EntraTenantID:     os.Getenv("ENTRA_TENANT_ID"),
		EntraClientID:     os.Getenv("ENTRA_CLIENT_ID"),
		EntraClientSecret: os.Getenv("ENTRA_CLIENT_SECRET"),

		KeycloakURL:          os.Getenv("KEYCLOAK_URL"),
		KeycloakRealm:        envOrDefault("KEYCLOAK_REALM", "master"),
		KeycloakClientID:     envOrDefault("KEYCLOAK_CLIENT_ID", "memberof"),
		KeycloakClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),

		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultAuthRole:   envOrDefault("VAULT_AUTH_ROLE", "memberof"),
		VaultRootCAPath: os.Getenv("VAULT_ROOT_CA_PATH"),
		VaultSecretPath: envOrDefault("VAULT_SECRET_PATH", "secret/data/memberof/ldap"),

		OIDCIssuerURL: os.Getenv("OIDC_ISSUER_URL"),
		OIDCClientID:  os.Getenv("OIDC_CLIENT_ID"),

		CORSOrigin:     os.Getenv("CORS_ORIGIN"),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),
	}

	cfg.ResolverGroups = splitAndTrim(os.Getenv("RESOLVER_GROUPS"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var required map[string]string

	switch c.Backend {
	case BackendLDAP:
		required = map[string]string{
			"LDAP_URL":     c.LDAPURL,
			"LDAP_BASE_DN": c.LDAPBaseDN,
			"LDAP_BIND_DN": c.LDAPBindDN,
		}
		// The bind password comes either from the environment or from
		// Vault, never neither.
		if c.LDAPBindPassword == "" && c.VaultAddr == "" {
			return fmt.Errorf("either LDAP_BIND_PASSWORD or VAULT_ADDR must be set for the ldap backend")
		}
	case BackendEntra:
		required = map[string]string{
			"ENTRA_TENANT_ID":     c.EntraTenantID,
			"ENTRA_CLIENT_ID":     c.EntraClientID,
			"ENTRA_CLIENT_SECRET": c.EntraClientSecret,
		}
	case BackendKeycloak:
		required = map[string]string{
			"KEYCLOAK_URL":           c.KeycloakURL,
			"KEYCLOAK_CLIENT_SECRET": c.KeycloakClientSecret,
		}
	default:
		return fmt.Errorf("unknown DIRECTORY_BACKEND %q (want ldap, entra, or keycloak)", c.Backend)
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.ResolveMode != "strict" && c.ResolveMode != "best-effort" {
		return fmt.Errorf("invalid RESOLVE_MODE %q (want strict or best-effort)", c.ResolveMode)
	}
	if c.OIDCIssuerURL != "" && c.OIDCClientID == "" {
		return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
	}

	return nil
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func envFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
