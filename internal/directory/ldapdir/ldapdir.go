// Package ldapdir implements the resolve.Lookup seam against an LDAP
// directory, typically Active Directory. A principal ref is its
// distinguished name; immediate parents come from a subtree search for
// groups whose member attribute holds that DN.
package ldapdir

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/metrics"
	"github.com/derhornspieler/memberof/internal/model"
	"github.com/derhornspieler/memberof/internal/resolve"
)

const backend = "ldap"

// Config holds the LDAP connection and search settings.
type Config struct {
	// URL is an ldap:// or ldaps:// URL.
	URL          string
	BindDN       string
	BindPassword string
	// BaseDN scopes the group searches.
	BaseDN string
	// GroupClass is the objectClass that marks a group entry. "group" for
	// Active Directory, "groupOfNames" for most OpenLDAP setups.
	GroupClass string
	// Timeout bounds each search on the wire. go-ldap searches are not
	// context-aware, so this is the only per-call bound that reaches the
	// network layer.
	Timeout time.Duration
}

// Lookup resolves immediate parent groups over a single bound connection,
// redialing lazily after transport failures. go-ldap multiplexes concurrent
// searches over one connection, so Lookup is safe for concurrent use.
type Lookup struct {
	cfg    Config
	logger *zap.Logger
	mu     sync.Mutex
	conn   *ldap.Conn
}

// New creates the lookup and performs the initial dial and bind.
func New(cfg Config, logger *zap.Logger) (*Lookup, error) {
	if cfg.GroupClass == "" {
		cfg.GroupClass = "group"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	l := &Lookup{
		cfg:    cfg,
		logger: logger.Named("ldap"),
	}
	if _, err := l.connection(); err != nil {
		return nil, fmt.Errorf("initial ldap connect: %w", err)
	}
	return l, nil
}

// connection returns the bound connection, dialing a fresh one if the
// previous one was dropped.
func (l *Lookup) connection() (*ldap.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil && !l.conn.IsClosing() {
		return l.conn, nil
	}

	conn, err := ldap.DialURL(l.cfg.URL)
	if err != nil {
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "dial").Inc()
		return nil, fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	conn.SetTimeout(l.cfg.Timeout)

	if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
		conn.Close()
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "bind").Inc()
		return nil, fmt.Errorf("bind as %s: %w", l.cfg.BindDN, err)
	}

	l.logger.Info("ldap connection established",
		zap.String("url", l.cfg.URL),
		zap.String("bind_dn", l.cfg.BindDN),
	)
	l.conn = conn
	return conn, nil
}

// drop discards a connection after a transport failure so the next call
// redials.
func (l *Lookup) drop(conn *ldap.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
	conn.Close()
}

// ImmediateParents returns the groups whose member attribute lists the
// principal's DN.
func (l *Lookup) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := l.connection()
	if err != nil {
		return nil, err
	}

	// A member= search for a missing DN matches nothing, which is
	// indistinguishable from "no groups". Probe the entry itself first so
	// a missing principal surfaces as not-found.
	probe := ldap.NewSearchRequest(
		string(principal), ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 0, false, "(objectClass=*)", []string{"dn"}, nil,
	)
	if _, err := conn.Search(probe); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			metrics.DirectoryLookupsTotal.WithLabelValues(backend, "probe", "not_found").Inc()
			return nil, fmt.Errorf("principal %s: %w", principal, resolve.ErrNotFound)
		}
		l.drop(conn)
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "probe").Inc()
		return nil, fmt.Errorf("probe %s: %w", principal, err)
	}

	req := ldap.NewSearchRequest(
		l.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, l.parentFilter(principal),
		[]string{"cn", "mail", "sAMAccountName", "groupType"}, nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		l.drop(conn)
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "parent_groups").Inc()
		return nil, fmt.Errorf("search parent groups of %s: %w", principal, err)
	}

	metrics.DirectoryLookupsTotal.WithLabelValues(backend, "parent_groups", "success").Inc()

	records := make([]model.GroupRecord, 0, len(res.Entries))
	for _, entry := range res.Entries {
		records = append(records, mapEntry(entry))
	}
	return records, nil
}

// parentFilter builds the group search filter for one principal DN.
func (l *Lookup) parentFilter(principal model.PrincipalRef) string {
	return fmt.Sprintf("(&(objectClass=%s)(member=%s))",
		ldap.EscapeFilter(l.cfg.GroupClass),
		ldap.EscapeFilter(string(principal)),
	)
}

func mapEntry(entry *ldap.Entry) model.GroupRecord {
	rec := model.GroupRecord{
		Ref:  model.PrincipalRef(entry.DN),
		Name: entry.GetAttributeValue("cn"),
		Mail: entry.GetAttributeValue("mail"),
	}

	attrs := make(map[string]string)
	if v := entry.GetAttributeValue("sAMAccountName"); v != "" {
		attrs["sAMAccountName"] = v
	}
	if v := entry.GetAttributeValue("groupType"); v != "" {
		attrs["groupType"] = v
	}
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}
	return rec
}

// Healthy verifies the connection with a WhoAmI round trip.
func (l *Lookup) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := l.connection()
	if err != nil {
		return err
	}
	if _, err := conn.WhoAmI(nil); err != nil {
		l.drop(conn)
		return fmt.Errorf("ldap whoami: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (l *Lookup) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
