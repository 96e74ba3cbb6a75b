// Package resolve computes the transitive closure of group memberships for a
// directory principal: every group the principal belongs to directly or
// through nested groups, each group visited at most once regardless of how
// many membership paths lead to it. The directory itself is reached through
// the one-method Lookup seam, so the same traversal runs unmodified against
// LDAP, Microsoft Entra ID, Keycloak, or a fake in tests.
package resolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/model"
)

// Lookup is the single capability the resolver needs from a directory:
// the immediate parent groups of one principal. Returned group refs must be
// resolvable through the same Lookup. Implementations must be safe for
// concurrent use when the resolver runs with more than one worker.
type Lookup interface {
	ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error)

func (f LookupFunc) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	return f(ctx, principal)
}

// Mode selects how the resolver treats a failed expansion of a nested group.
type Mode int

const (
	// Strict aborts the whole resolution on any lookup failure.
	Strict Mode = iota
	// BestEffort records an unexpandable group as a leaf and keeps going.
	// A failure on the starting principal still aborts.
	BestEffort
)

func (m Mode) String() string {
	if m == BestEffort {
		return "best-effort"
	}
	return "strict"
}

// ParseMode maps the wire names onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "strict":
		return Strict, nil
	case "best-effort":
		return BestEffort, nil
	}
	return Strict, fmt.Errorf("unknown resolve mode %q", s)
}

// Options configure a Resolver.
type Options struct {
	// Mode is the failure policy for nested groups. Default Strict.
	Mode Mode
	// Workers is the number of concurrent lookups. Values below 2 give a
	// plain sequential traversal.
	Workers int
	// LookupTimeout bounds each individual lookup call, independently of
	// the deadline on the caller's context. Zero means no per-call bound.
	LookupTimeout time.Duration
	// MaxDepth aborts traversals nested deeper than this many levels.
	// Zero means unbounded; termination is guaranteed by the visited set
	// either way.
	MaxDepth int
}

// Resolver walks the membership graph reachable from a starting principal.
// It holds no directory state of its own; every edge is read through the
// injected Lookup at resolution time.
type Resolver struct {
	lookup Lookup
	opts   Options
	logger *zap.Logger
}

// New creates a Resolver over the given Lookup. A nil logger is replaced
// with a no-op one.
func New(lookup Lookup, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Resolver{
		lookup: lookup,
		opts:   opts,
		logger: logger.Named("resolve"),
	}
}

// Mode returns the resolver's configured failure mode.
func (r *Resolver) Mode() Mode {
	return r.opts.Mode
}

// Workers returns the configured worker count.
func (r *Resolver) Workers() int {
	return r.opts.Workers
}

// WithMode returns a copy of the resolver with a different failure mode.
func (r *Resolver) WithMode(mode Mode) *Resolver {
	c := *r
	c.opts.Mode = mode
	return &c
}

// Resolve computes the resolved set for start. The starting principal is
// excluded from the result as the seed; if the traversal reaches its
// identifier again through a cycle it is recorded like any other group.
// A lookup failure on start itself always fails the whole operation.
func (r *Resolver) Resolve(ctx context.Context, start model.PrincipalRef) (*model.Resolution, error) {
	if start == "" {
		return nil, fmt.Errorf("empty starting principal")
	}
	if r.opts.Workers > 1 {
		return r.resolveConcurrent(ctx, start)
	}
	return r.resolveSequential(ctx, start)
}

// lookupParents runs one lookup under the per-call timeout, if any.
func (r *Resolver) lookupParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	if r.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.LookupTimeout)
		defer cancel()
	}
	return r.lookup.ImmediateParents(ctx, principal)
}

// workItem is one principal awaiting expansion, with its distance from the
// seed.
type workItem struct {
	ref   model.PrincipalRef
	depth int
}

// accumulator collects the resolved set during one traversal. seen keys the
// result (a group is added the first time any path discovers it); visited
// keys expansion (a principal is queued for expansion at most once). The
// seed starts visited but not seen, which is what lets a cycle back to the
// seed record it as a group without re-expanding it.
type accumulator struct {
	res     *model.Resolution
	seen    map[model.PrincipalRef]struct{}
	visited map[model.PrincipalRef]struct{}
}

func newAccumulator(start model.PrincipalRef) *accumulator {
	return &accumulator{
		res:     &model.Resolution{Start: start},
		seen:    make(map[model.PrincipalRef]struct{}),
		visited: map[model.PrincipalRef]struct{}{start: {}},
	}
}

// absorb records newly discovered parent groups and returns the refs that
// still need their own expansion.
func (a *accumulator) absorb(parents []model.GroupRecord) []model.PrincipalRef {
	var next []model.PrincipalRef
	for _, g := range parents {
		if g.Ref == "" {
			continue
		}
		if _, ok := a.seen[g.Ref]; !ok {
			a.seen[g.Ref] = struct{}{}
			a.res.Groups = append(a.res.Groups, g)
		}
		if _, ok := a.visited[g.Ref]; !ok {
			a.visited[g.Ref] = struct{}{}
			next = append(next, g.Ref)
		}
	}
	return next
}

func (a *accumulator) markUnexpanded(ref model.PrincipalRef) {
	a.res.Unexpanded = append(a.res.Unexpanded, ref)
}

// expansionFailed applies the failure policy to one failed expansion.
// It returns the error that should abort the traversal, or nil if the
// failure was absorbed as an unexpanded leaf.
func (r *Resolver) expansionFailed(acc *accumulator, item workItem, err error) error {
	if item.depth == 0 || r.opts.Mode == Strict {
		return &LookupError{Principal: item.ref, Err: err}
	}
	r.logger.Warn("leaving group unexpanded",
		zap.String("principal", item.ref.String()),
		zap.Int("depth", item.depth),
		zap.Error(err),
	)
	acc.markUnexpanded(item.ref)
	return nil
}

func (r *Resolver) resolveSequential(ctx context.Context, start model.PrincipalRef) (*model.Resolution, error) {
	acc := newAccumulator(start)
	queue := []workItem{{ref: start}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := queue[0]
		queue = queue[1:]

		if r.opts.MaxDepth > 0 && item.depth >= r.opts.MaxDepth {
			return nil, fmt.Errorf("expanding %s at depth %d: %w", item.ref, item.depth, ErrDepthExceeded)
		}

		parents, err := r.lookupParents(ctx, item.ref)
		if err != nil {
			// The caller's own cancellation always wins over the
			// failure policy.
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			if aerr := r.expansionFailed(acc, item, err); aerr != nil {
				return nil, aerr
			}
			continue
		}

		for _, ref := range acc.absorb(parents) {
			queue = append(queue, workItem{ref: ref, depth: item.depth + 1})
		}
	}

	return acc.res, nil
}

// resolveConcurrent expands independent subtrees in parallel. Workers only
// perform lookups; the coordinator goroutine owns the visited set and the
// result, so the check-and-mark for each ref stays atomic without locking.
func (r *Resolver) resolveConcurrent(ctx context.Context, start model.PrincipalRef) (*model.Resolution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type expansion struct {
		item    workItem
		parents []model.GroupRecord
		err     error
	}

	tasks := make(chan workItem)
	results := make(chan expansion)

	var wg sync.WaitGroup
	wg.Add(r.opts.Workers)
	for i := 0; i < r.opts.Workers; i++ {
		go func() {
			defer wg.Done()
			for item := range tasks {
				parents, err := r.lookupParents(ctx, item.ref)
				select {
				case results <- expansion{item: item, parents: parents, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// finish releases the workers: any blocked on an empty tasks channel
	// see the close, any blocked sending a result see the cancel.
	finish := func() {
		close(tasks)
		cancel()
		wg.Wait()
	}

	acc := newAccumulator(start)
	queue := []workItem{{ref: start}}
	inFlight := 0

	for inFlight > 0 || len(queue) > 0 {
		var dispatch chan workItem
		var next workItem
		if len(queue) > 0 {
			next = queue[0]
			if r.opts.MaxDepth > 0 && next.depth >= r.opts.MaxDepth {
				finish()
				return nil, fmt.Errorf("expanding %s at depth %d: %w", next.ref, next.depth, ErrDepthExceeded)
			}
			dispatch = tasks
		}

		select {
		case dispatch <- next:
			queue = queue[1:]
			inFlight++

		case exp := <-results:
			inFlight--
			if exp.err != nil {
				if cerr := ctx.Err(); cerr != nil {
					finish()
					return nil, cerr
				}
				if aerr := r.expansionFailed(acc, exp.item, exp.err); aerr != nil {
					finish()
					return nil, aerr
				}
				continue
			}
			for _, ref := range acc.absorb(exp.parents) {
				queue = append(queue, workItem{ref: ref, depth: exp.item.depth + 1})
			}

		case <-ctx.Done():
			finish()
			return nil, ctx.Err()
		}
	}

	finish()
	return acc.res, nil
}
