package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setLDAPEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DIRECTORY_BACKEND", "ldap")
	t.Setenv("LDAP_URL", "ldaps://ad.example.com:636")
	t.Setenv("LDAP_BASE_DN", "dc=example,dc=com")
	t.Setenv("LDAP_BIND_DN", "cn=svc,dc=example,dc=com")
	t.Setenv("LDAP_BIND_PASSWORD", "hunter2")
}

func TestLoadDefaults(t *testing.T) {
	setLDAPEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendLDAP, cfg.Backend)
	assert.Equal(t, "strict", cfg.ResolveMode)
	assert.Equal(t, 1, cfg.ResolveWorkers)
	assert.Equal(t, 10*time.Second, cfg.LookupTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ResolveTimeout)
	assert.Equal(t, "group", cfg.LDAPGroupClass)
}

func TestLoadOverrides(t *testing.T) {
	setLDAPEnv(t)
	t.Setenv("RESOLVE_MODE", "best-effort")
	t.Setenv("RESOLVE_WORKERS", "8")
	t.Setenv("LOOKUP_TIMEOUT", "2s")
	t.Setenv("RESOLVE_MAX_DEPTH", "20")
	t.Setenv("RESOLVER_GROUPS", "platform-admins, directory-readers")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "best-effort", cfg.ResolveMode)
	assert.Equal(t, 8, cfg.ResolveWorkers)
	assert.Equal(t, 2*time.Second, cfg.LookupTimeout)
	assert.Equal(t, 20, cfg.MaxDepth)
	assert.Equal(t, []string{"platform-admins", "directory-readers"}, cfg.ResolverGroups)
}

func TestLoadLDAPRequiresCredentialSource(t *testing.T) {
	setLDAPEnv(t)
	t.Setenv("LDAP_BIND_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_ADDR")

	// A Vault address satisfies the requirement without a password.
	t.Setenv("VAULT_ADDR", "https://vault.example.com:8200")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoadEntraValidation(t *testing.T) {
	t.Setenv("DIRECTORY_BACKEND", "entra")
	t.Setenv("ENTRA_TENANT_ID", "tenant")
	t.Setenv("ENTRA_CLIENT_ID", "client")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTRA_CLIENT_SECRET")
}

func TestLoadUnknownBackend(t *testing.T) {
	t.Setenv("DIRECTORY_BACKEND", "nis")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadInvalidMode(t *testing.T) {
	setLDAPEnv(t)
	t.Setenv("RESOLVE_MODE", "lenient")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOIDCRequiresClientID(t *testing.T) {
	setLDAPEnv(t)
	t.Setenv("OIDC_ISSUER_URL", "https://sso.example.com/realms/infra")

	_, err := Load()
	assert.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a ,, b "))
}
