package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derhornspieler/memberof/internal/model"
)

// fakeDirectory is an in-memory membership graph. Each key maps to the
// immediate parent groups of that principal; principals referenced as
// parents but absent as keys expand to nothing.
type fakeDirectory struct {
	mu      sync.Mutex
	parents map[string][]string
	errs    map[string]error
	calls   map[string]int
	delay   time.Duration
}

func newFakeDirectory(parents map[string][]string) *fakeDirectory {
	closed := make(map[string][]string, len(parents))
	for p, groups := range parents {
		closed[p] = groups
		for _, g := range groups {
			if _, ok := closed[g]; !ok {
				closed[g] = nil
			}
		}
	}
	return &fakeDirectory{
		parents: closed,
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (d *fakeDirectory) failWith(principal string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[principal] = err
}

func (d *fakeDirectory) lookups(principal string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[principal]
}

func (d *fakeDirectory) ImmediateParents(ctx context.Context, principal model.PrincipalRef) ([]model.GroupRecord, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[string(principal)]++

	if err := d.errs[string(principal)]; err != nil {
		return nil, err
	}
	groups, ok := d.parents[string(principal)]
	if !ok {
		return nil, fmt.Errorf("principal %s: %w", principal, ErrNotFound)
	}

	records := make([]model.GroupRecord, 0, len(groups))
	for _, g := range groups {
		records = append(records, model.GroupRecord{
			Ref:  model.PrincipalRef(g),
			Name: g,
		})
	}
	return records, nil
}

func refs(groups []model.GroupRecord) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, string(g.Ref))
	}
	return out
}

func TestResolveLinearChain(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1"},
		"g1": {"g2"},
		"g2": {"g3"},
	})
	r := New(dir, Options{}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2", "g3"}, refs(res.Groups))
	assert.True(t, res.Complete())
}

func TestResolveEmptyMembership(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u": nil})
	r := New(dir, Options{}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.True(t, res.Complete())
}

func TestResolveDiamondDeduplicates(t *testing.T) {
	// u belongs to g1 and g2, which are both members of g3.
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1", "g2"},
		"g1": {"g3"},
		"g2": {"g3"},
	})
	r := New(dir, Options{}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2", "g3"}, refs(res.Groups))
	assert.Equal(t, 1, dir.lookups("g3"), "shared group expanded once")
}

func TestResolveCycleThroughStart(t *testing.T) {
	// a is itself a group: a -> b -> a. The seed is excluded only as the
	// seed; re-reached through the cycle it is recorded as a group.
	dir := newFakeDirectory(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	r := New(dir, Options{}, nil)

	res, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "a"}, refs(res.Groups))
	assert.Equal(t, 1, dir.lookups("a"), "seed not re-expanded via the cycle")
}

func TestResolveIndirectCycle(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u": {"a"},
		"a": {"b"},
		"b": {"a"},
	})
	r := New(dir, Options{}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, refs(res.Groups))
}

func TestResolveRootNotFound(t *testing.T) {
	dir := newFakeDirectory(nil)

	for _, mode := range []Mode{Strict, BestEffort} {
		t.Run(mode.String(), func(t *testing.T) {
			r := New(dir, Options{Mode: mode}, nil)
			res, err := r.Resolve(context.Background(), "ghost")
			require.Error(t, err)
			assert.Nil(t, res, "no partial result for a root failure")
			assert.ErrorIs(t, err, ErrNotFound)

			var lerr *LookupError
			require.ErrorAs(t, err, &lerr)
			assert.Equal(t, model.PrincipalRef("ghost"), lerr.Principal)
		})
	}
}

func TestResolveNestedFailureStrict(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1", "g2"},
		"g1": nil,
	})
	dir.failWith("g2", errors.New("ldap: connection reset"))
	r := New(dir, Options{Mode: Strict}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.Error(t, err)
	assert.Nil(t, res)

	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, model.PrincipalRef("g2"), lerr.Principal)
}

func TestResolveNestedFailureBestEffort(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1", "g2"},
		"g1": nil,
	})
	dir.failWith("g2", errors.New("ldap: connection reset"))
	r := New(dir, Options{Mode: BestEffort}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	// g2 itself is still part of the resolved set even though its own
	// expansion failed.
	assert.ElementsMatch(t, []string{"g1", "g2"}, refs(res.Groups))
	assert.Equal(t, []model.PrincipalRef{"g2"}, res.Unexpanded)
	assert.False(t, res.Complete())
}

func TestResolveBestEffortNotFoundLeaf(t *testing.T) {
	// An orphaned group reference resolves as an unexpandable leaf in
	// best-effort mode instead of failing the operation.
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1"},
		"g1": {"orphan"},
	})
	dir.failWith("orphan", fmt.Errorf("principal orphan: %w", ErrNotFound))
	r := New(dir, Options{Mode: BestEffort}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "orphan"}, refs(res.Groups))
	assert.Equal(t, []model.PrincipalRef{"orphan"}, res.Unexpanded)
}

func TestResolveSequentialConcurrentAgree(t *testing.T) {
	edges := map[string][]string{
		"u":  {"g1", "g2", "g3"},
		"g1": {"g4", "g5"},
		"g2": {"g4", "g6"},
		"g3": {"g6", "g7"},
		"g4": {"g8"},
		"g5": {"g8"},
		"g6": {"g8", "g1"}, // diamond plus a back edge
		"g7": nil,
		"g8": {"u"}, // cycle back to the seed
	}
	want := []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7", "g8", "u"}

	for _, workers := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			r := New(newFakeDirectory(edges), Options{Workers: workers}, nil)
			res, err := r.Resolve(context.Background(), "u")
			require.NoError(t, err)
			assert.ElementsMatch(t, want, refs(res.Groups))
		})
	}
}

func TestResolveConcurrentExpandsEachGroupOnce(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1", "g2", "g3", "g4"},
		"g1": {"shared"},
		"g2": {"shared"},
		"g3": {"shared"},
		"g4": {"shared"},
	})
	dir.delay = time.Millisecond
	r := New(dir, Options{Workers: 4}, nil)

	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2", "g3", "g4", "shared"}, refs(res.Groups))
	assert.Equal(t, 1, dir.lookups("shared"))
}

func TestResolveConcurrentStrictFailure(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1", "g2", "g3"},
		"g1": nil,
		"g3": nil,
	})
	dir.failWith("g2", errors.New("transport down"))
	r := New(dir, Options{Workers: 4}, nil)

	_, err := r.Resolve(context.Background(), "u")
	require.Error(t, err)

	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, model.PrincipalRef("g2"), lerr.Principal)
}

func TestResolveCancellation(t *testing.T) {
	// A wide, slow directory with a short overall deadline must come back
	// with the context error rather than block.
	edges := map[string][]string{"u": nil}
	for i := 0; i < 50; i++ {
		edges["u"] = append(edges["u"], fmt.Sprintf("g%d", i))
	}
	dir := newFakeDirectory(edges)
	dir.delay = 50 * time.Millisecond

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			r := New(dir, Options{Workers: workers}, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := r.Resolve(ctx, "u")
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestResolveLookupTimeoutIsPerCall(t *testing.T) {
	// One stalled lookup under a per-call timeout becomes an unexpanded
	// leaf in best-effort mode; the rest of the traversal is unaffected.
	dir := newFakeDirectory(map[string][]string{
		"u":    {"fast", "slow"},
		"fast": {"g1"},
	})
	slow := LookupFunc(func(ctx context.Context, p model.PrincipalRef) ([]model.GroupRecord, error) {
		if p == "slow" {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return dir.ImmediateParents(ctx, p)
	})

	r := New(slow, Options{Mode: BestEffort, LookupTimeout: 20 * time.Millisecond}, nil)
	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fast", "slow", "g1"}, refs(res.Groups))
	assert.Equal(t, []model.PrincipalRef{"slow"}, res.Unexpanded)
}

func TestResolveMaxDepth(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u":  {"g1"},
		"g1": {"g2"},
		"g2": {"g3"},
	})

	r := New(dir, Options{MaxDepth: 2}, nil)
	_, err := r.Resolve(context.Background(), "u")
	assert.ErrorIs(t, err, ErrDepthExceeded)

	r = New(dir, Options{MaxDepth: 10}, nil)
	res, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Len(t, res.Groups, 3)
}

func TestResolveEmptyStart(t *testing.T) {
	r := New(newFakeDirectory(nil), Options{}, nil)
	_, err := r.Resolve(context.Background(), "")
	assert.Error(t, err)
}

func TestResolveRepeatRunsSetEqual(t *testing.T) {
	edges := map[string][]string{
		"u":  {"g1", "g2"},
		"g1": {"g3", "g4"},
		"g2": {"g4", "g3"},
		"g3": {"g5"},
		"g4": {"g5"},
	}
	r := New(newFakeDirectory(edges), Options{Workers: 4}, nil)

	first, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.ElementsMatch(t, refs(first.Groups), refs(second.Groups))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, m)

	m, err = ParseMode("best-effort")
	require.NoError(t, err)
	assert.Equal(t, BestEffort, m)

	_, err = ParseMode("lenient")
	assert.Error(t, err)
}
