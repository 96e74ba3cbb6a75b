// Package entra implements the resolve.Lookup seam against Microsoft Entra
// ID through the Graph API. A principal ref is the object ID. Entra exposes
// memberOf per object type, so the adapter remembers which IDs it has
// already returned as groups and queries the groups endpoint for those;
// anything else is tried as a user first.
package entra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/metrics"
	"github.com/derhornspieler/memberof/internal/model"
	"github.com/derhornspieler/memberof/internal/resolve"
)

const backend = "entra"

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// Config holds the app registration used for client-credential auth.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Lookup resolves immediate parent groups through the Graph memberOf
// relation. Safe for concurrent use.
type Lookup struct {
	client *msgraphsdk.GraphServiceClient
	logger *zap.Logger

	mu     sync.Mutex
	groups map[model.PrincipalRef]struct{}
}

// New creates the lookup with client-secret credentials.
func New(cfg Config, logger *zap.Logger) (*Lookup, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("entra credential: %w", err)
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("graph client: %w", err)
	}

	return &Lookup{
		client: client,
		logger: logger.Named("entra"),
		groups: make(map[model.PrincipalRef]struct{}),
	}, nil
}

// ImmediateParents returns the groups the principal is a direct member of.
// Directory roles and other non-group objects in the memberOf relation are
// skipped.
func (l *Lookup) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	id := string(principal)

	var resp models.DirectoryObjectCollectionResponseable
	var err error
	if l.isKnownGroup(principal) {
		resp, err = l.client.Groups().ByGroupId(id).MemberOf().Get(ctx, nil)
	} else {
		resp, err = l.client.Users().ByUserId(id).MemberOf().Get(ctx, nil)
		if isNotFound(err) {
			// The seed may itself be a group, a device, or a service
			// principal; the groups endpoint covers the group case.
			resp, err = l.client.Groups().ByGroupId(id).MemberOf().Get(ctx, nil)
		}
	}
	if err != nil {
		if isNotFound(err) {
			metrics.DirectoryLookupsTotal.WithLabelValues(backend, "member_of", "not_found").Inc()
			return nil, fmt.Errorf("principal %s: %w", principal, resolve.ErrNotFound)
		}
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "member_of").Inc()
		return nil, fmt.Errorf("graph memberOf %s: %w", principal, err)
	}

	var records []model.GroupRecord
	iter, err := graphcore.NewPageIterator[models.DirectoryObjectable](
		resp, l.client.GetAdapter(),
		models.CreateDirectoryObjectCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return nil, fmt.Errorf("graph page iterator for %s: %w", principal, err)
	}
	err = iter.Iterate(ctx, func(obj models.DirectoryObjectable) bool {
		if rec, ok := mapGroup(obj); ok {
			records = append(records, rec)
		}
		return true
	})
	if err != nil {
		metrics.DirectoryLookupErrorsTotal.WithLabelValues(backend, "member_of").Inc()
		return nil, fmt.Errorf("graph memberOf pages for %s: %w", principal, err)
	}

	metrics.DirectoryLookupsTotal.WithLabelValues(backend, "member_of", "success").Inc()
	l.rememberGroups(records)
	return records, nil
}

func mapGroup(obj models.DirectoryObjectable) (model.GroupRecord, bool) {
	g, ok := obj.(models.Groupable)
	if !ok {
		return model.GroupRecord{}, false
	}

	rec := model.GroupRecord{}
	if id := g.GetId(); id != nil {
		rec.Ref = model.PrincipalRef(*id)
	}
	if rec.Ref == "" {
		return model.GroupRecord{}, false
	}
	if name := g.GetDisplayName(); name != nil {
		rec.Name = *name
	}
	if mail := g.GetMail(); mail != nil {
		rec.Mail = *mail
	}
	if types := g.GetGroupTypes(); len(types) > 0 {
		rec.Attrs = map[string]string{"groupTypes": types[0]}
	}
	return rec, true
}

func (l *Lookup) isKnownGroup(ref model.PrincipalRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.groups[ref]
	return ok
}

func (l *Lookup) rememberGroups(records []model.GroupRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		l.groups[rec.Ref] = struct{}{}
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return false
	}
	if oerr.ResponseStatusCode == http.StatusNotFound {
		return true
	}
	if e := oerr.GetErrorEscaped(); e != nil && e.GetCode() != nil {
		return *e.GetCode() == "Request_ResourceNotFound"
	}
	return false
}

// Healthy verifies Graph connectivity by reading the organization object.
func (l *Lookup) Healthy(ctx context.Context) error {
	if _, err := l.client.Organization().Get(ctx, nil); err != nil {
		return fmt.Errorf("graph organization: %w", err)
	}
	return nil
}
