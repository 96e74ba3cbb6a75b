// Package keycloakdir implements the resolve.Lookup seam against a Keycloak
// realm. Keycloak models nesting the other way around (groups contain
// subgroups), so a user's immediate parents are its direct group
// memberships and a group's sole immediate parent is the group above it in
// its path.
package keycloakdir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/metrics"
	"github.com/derhornspieler/memberof/internal/model"
	"github.com/derhornspieler/memberof/internal/resolve"
)

const backend = "keycloak"

// Config holds the service-account client used for admin API access.
type Config struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
}

// Lookup resolves immediate parent groups through the Keycloak admin API,
// managing the service-account token lifecycle itself. Safe for concurrent
// use.
type Lookup struct {
	gc     *gocloak.GoCloak
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	token       *gocloak.JWT
	tokenExpiry time.Time

	groupMu    sync.Mutex
	groupPaths map[model.PrincipalRef]string
}

// New creates the lookup and performs an initial service-account login.
func New(cfg Config, logger *zap.Logger) (*Lookup, error) {
	l := &Lookup{
		gc:         gocloak.NewClient(cfg.URL),
		cfg:        cfg,
		logger:     logger.Named("keycloak"),
		groupPaths: make(map[model.PrincipalRef]string),
	}

	if err := l.refreshToken(context.Background()); err != nil {
		return nil, fmt.Errorf("initial keycloak login: %w", err)
	}
	return l, nil
}

// Token returns a valid access token, refreshing if needed.
func (l *Lookup) Token(ctx context.Context) (string, error) {
	l.mu.RLock()
	if l.token != nil && time.Now().Before(l.tokenExpiry) {
		tok := l.token.AccessToken
		l.mu.RUnlock()
		return tok, nil
	}
	l.mu.RUnlock()

	if err := l.refreshToken(ctx); err != nil {
		return "", err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.token.AccessToken, nil
}

func (l *Lookup) refreshToken(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if l.token != nil && time.Now().Before(l.tokenExpiry) {
		return nil
	}

	token, err := l.gc.LoginClient(ctx, l.cfg.ClientID, l.cfg.ClientSecret, l.cfg.Realm)
	if err != nil {
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "login").Inc()
		return fmt.Errorf("keycloak client login: %w", err)
	}

	l.token = token
	// Expiry buffer so a nearly-expired token is never handed out.
	l.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn-30) * time.Second)

	l.logger.Info("keycloak token refreshed", zap.Time("expires", l.tokenExpiry))
	return nil
}

// ImmediateParents returns the principal's direct group memberships when it
// is a user, or its containing group when it is a group.
func (l *Lookup) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	token, err := l.Token(ctx)
	if err != nil {
		return nil, err
	}

	if path, ok := l.knownGroupPath(principal); ok {
		return l.parentOfPath(ctx, token, path)
	}

	groups, err := l.gc.GetUserGroups(ctx, token, l.cfg.Realm, string(principal), gocloak.GetGroupsParams{})
	if err == nil {
		metrics.DirectoryLookupsTotal.WithLabelValues(backend, "user_groups", "success").Inc()
		records := make([]model.GroupRecord, 0, len(groups))
		for _, g := range groups {
			rec := mapGroup(g)
			l.rememberGroup(rec.Ref, derefString(g.Path))
			records = append(records, rec)
		}
		return records, nil
	}
	if !isNotFound(err) {
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "user_groups").Inc()
		return nil, fmt.Errorf("get user groups %s: %w", principal, err)
	}

	// Not a user; the seed may be a group ID.
	g, gerr := l.gc.GetGroup(ctx, token, l.cfg.Realm, string(principal))
	if gerr != nil {
		if isNotFound(gerr) {
			metrics.DirectoryLookupsTotal.WithLabelValues(backend, "get_group", "not_found").Inc()
			return nil, fmt.Errorf("principal %s: %w", principal, resolve.ErrNotFound)
		}
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "get_group").Inc()
		return nil, fmt.Errorf("get group %s: %w", principal, gerr)
	}

	path := derefString(g.Path)
	l.rememberGroup(model.PrincipalRef(derefString(g.ID)), path)
	return l.parentOfPath(ctx, token, path)
}

// parentOfPath resolves the group one level up in the path, or nothing for
// a top-level group.
func (l *Lookup) parentOfPath(ctx context.Context, token, path string) ([]model.GroupRecord, error) {
	parent := parentPath(path)
	if parent == "" {
		return nil, nil
	}

	g, err := l.gc.GetGroupByPath(ctx, token, l.cfg.Realm, parent)
	if err != nil {
		if isNotFound(err) {
			metrics.DirectoryLookupsTotal.WithLabelValues(backend, "group_by_path", "not_found").Inc()
			return nil, fmt.Errorf("group at %s: %w", parent, resolve.ErrNotFound)
		}
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "group_by_path").Inc()
		return nil, fmt.Errorf("get group by path %s: %w", parent, err)
	}

	metrics.DirectoryLookupsTotal.WithLabelValues(backend, "group_by_path", "success").Inc()
	rec := mapGroup(g)
	l.rememberGroup(rec.Ref, parent)
	return []model.GroupRecord{rec}, nil
}

// parentPath strips the last segment of a group path: /a/b/c -> /a/b, and
// /a -> "" for a top-level group.
func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func mapGroup(g *gocloak.Group) model.GroupRecord {
	rec := model.GroupRecord{}
	if g.ID != nil {
		rec.Ref = model.PrincipalRef(*g.ID)
	}
	if g.Name != nil {
		rec.Name = *g.Name
	}
	if g.Path != nil {
		rec.Attrs = map[string]string{"path": *g.Path}
	}
	return rec
}

func (l *Lookup) knownGroupPath(ref model.PrincipalRef) (string, bool) {
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	path, ok := l.groupPaths[ref]
	return path, ok
}

func (l *Lookup) rememberGroup(ref model.PrincipalRef, path string) {
	if ref == "" || path == "" {
		return
	}
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	l.groupPaths[ref] = path
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isNotFound(err error) bool {
	var apiErr *gocloak.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Healthy checks connectivity by fetching realm info.
func (l *Lookup) Healthy(ctx context.Context) error {
	token, err := l.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if _, err := l.gc.GetRealm(ctx, token, l.cfg.Realm); err != nil {
		return fmt.Errorf("get realm: %w", err)
	}
	return nil
}
