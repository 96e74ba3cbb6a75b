package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/derhornspieler/memberof/internal/model"
)

// retryingLookup decorates a Lookup with exponential backoff on transient
// failures. A missing principal is permanent and surfaces immediately.
type retryingLookup struct {
	next     Lookup
	attempts uint64
	base     time.Duration
}

// WithRetry wraps next so each lookup is attempted up to attempts additional
// times with exponential backoff starting at base. The resolver core never
// retries on its own; callers that want retries wrap the lookup instead.
func WithRetry(next Lookup, attempts uint64, base time.Duration) Lookup {
	if attempts == 0 {
		return next
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &retryingLookup{next: next, attempts: attempts, base: base}
}

func (l *retryingLookup) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	var parents []model.GroupRecord
	backoff := retry.WithMaxRetries(l.attempts, retry.NewExponential(l.base))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		parents, err = l.next.ImmediateParents(ctx, principal)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return parents, nil
}
