package resolve

import (
	"errors"
	"fmt"

	"github.com/derhornspieler/memberof/internal/model"
)

// ErrNotFound marks a principal that does not exist in the directory.
// Backends wrap it so callers can distinguish "no such principal" from
// transport or permission failures.
var ErrNotFound = errors.New("principal not found")

// ErrDepthExceeded marks a traversal that hit the configured depth guard
// before finishing.
var ErrDepthExceeded = errors.New("max depth exceeded")

// LookupError reports a failed expansion, identifying the principal whose
// lookup failed and the underlying cause.
type LookupError struct {
	Principal model.PrincipalRef
	Err       error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Principal, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
