// Package vault fetches the LDAP bind credential from Vault so it never has
// to live in the service's environment.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/metrics"
)

const (
	k8sSATokenPath      = "/var/run/secrets/kubernetes.io/serviceaccount/token" //nolint:gosec // Not a credential, it's a file path
	k8sAuthPath         = "auth/kubernetes/login"
	tokenRenewThreshold = 60 * time.Second
)

// Config holds the Vault connection settings.
type Config struct {
	Addr       string
	AuthRole   string
	RootCAPath string
	// SecretPath is the KV path holding the LDAP bind credential, with
	// "username" and "password" keys.
	SecretPath string
}

// Client wraps the Vault API client with automatic Kubernetes auth and
// renewal.
type Client struct {
	client      *vaultapi.Client
	cfg         Config
	logger      *zap.Logger
	mu          sync.RWMutex
	secret      *vaultapi.Secret
	tokenExpiry time.Time
}

// NewClient creates a Vault client and authenticates via Kubernetes auth.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	vaultCfg := vaultapi.DefaultConfig()
	vaultCfg.Address = cfg.Addr
	vaultCfg.Timeout = 30 * time.Second

	if cfg.RootCAPath != "" {
		tlsCfg := &vaultapi.TLSConfig{CACert: cfg.RootCAPath}
		if err := vaultCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	vc, err := vaultapi.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	c := &Client{
		client: vc,
		cfg:    cfg,
		logger: logger.Named("vault"),
	}

	if err := c.authenticate(context.Background()); err != nil {
		return nil, fmt.Errorf("initial vault auth: %w", err)
	}

	return c, nil
}

// authenticate performs Kubernetes auth against Vault.
func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring lock.
	if c.secret != nil && time.Now().Before(c.tokenExpiry) {
		return nil
	}

	jwt, err := os.ReadFile(k8sSATokenPath)
	if err != nil {
		return fmt.Errorf("read service account token: %w", err)
	}

	c.logger.Debug("authenticating to vault via kubernetes auth",
		zap.String("role", c.cfg.AuthRole),
	)

	secret, err := c.client.Logical().WriteWithContext(ctx, k8sAuthPath, map[string]interface{}{
		"role": c.cfg.AuthRole,
		"jwt":  string(jwt),
	})
	if err != nil {
		metrics.VaultErrorsTotal.WithLabelValues("authenticate").Inc()
		return fmt.Errorf("vault kubernetes login: %w", err)
	}

	if secret == nil || secret.Auth == nil {
		metrics.VaultErrorsTotal.WithLabelValues("authenticate").Inc()
		return fmt.Errorf("vault kubernetes login returned nil auth")
	}

	c.client.SetToken(secret.Auth.ClientToken)
	c.secret = secret

	leaseDuration := time.Duration(secret.Auth.LeaseDuration) * time.Second
	c.tokenExpiry = time.Now().Add(leaseDuration - tokenRenewThreshold)

	metrics.VaultRequestsTotal.WithLabelValues("authenticate", "success").Inc()
	c.logger.Info("vault token acquired",
		zap.Duration("lease_duration", leaseDuration),
		zap.Time("expires", c.tokenExpiry),
	)

	return nil
}

// ensureAuthenticated checks the token and re-authenticates if needed.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	c.mu.RLock()
	valid := c.secret != nil && time.Now().Before(c.tokenExpiry)
	c.mu.RUnlock()

	if valid {
		return nil
	}
	return c.authenticate(ctx)
}

// BindCredentials reads the LDAP bind username and password from the
// configured KV path. KV v2 responses nest the payload under "data".
func (c *Client) BindCredentials(ctx context.Context) (string, string, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return "", "", err
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		metrics.VaultErrorsTotal.WithLabelValues("read_bind_credentials").Inc()
		return "", "", fmt.Errorf("read %s: %w", c.cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		metrics.VaultErrorsTotal.WithLabelValues("read_bind_credentials").Inc()
		return "", "", fmt.Errorf("no secret at %s", c.cfg.SecretPath)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	username, _ := data["username"].(string)
	password, _ := data["password"].(string)
	if password == "" {
		metrics.VaultErrorsTotal.WithLabelValues("read_bind_credentials").Inc()
		return "", "", fmt.Errorf("secret at %s has no password key", c.cfg.SecretPath)
	}

	metrics.VaultRequestsTotal.WithLabelValues("read_bind_credentials", "success").Inc()
	return username, password, nil
}

// Healthy checks Vault connectivity by looking up the current token.
func (c *Client) Healthy(ctx context.Context) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return fmt.Errorf("vault auth: %w", err)
	}

	secret, err := c.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		metrics.VaultErrorsTotal.WithLabelValues("health_check").Inc()
		return fmt.Errorf("vault token lookup: %w", err)
	}
	if secret == nil {
		metrics.VaultErrorsTotal.WithLabelValues("health_check").Inc()
		return fmt.Errorf("vault token lookup returned nil")
	}

	metrics.VaultRequestsTotal.WithLabelValues("health_check", "success").Inc()
	return nil
}
