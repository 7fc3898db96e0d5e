// Package lock implements an in-memory WebDAV lock table with RFC 4918
// semantics: exclusive/shared write locks, depth-infinity inheritance from
// ancestor collections, token-based unlock, and lazy expiry.
package lock

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/metrics"
)

// Scope is the lock scope.
type Scope string

const (
	Exclusive Scope = "exclusive"
	Shared    Scope = "shared"
)

// Depth is the lock depth.
type Depth string

const (
	DepthZero     Depth = "0"
	DepthInfinity Depth = "infinity"
)

// Lock is one active lock entry.
type Lock struct {
	Token     string
	Path      string
	Owner     string
	Depth     Depth
	Scope     Scope
	Type      string // always "write" per RFC 4918
	Timeout   time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// expiryQueue is a min-heap of (token, expiresAt) pairs. Entries go stale
// when a lock is refreshed or unlocked; the sweep verifies against byToken
// before evicting.
type expiryItem struct {
	token     string
	expiresAt time.Time
}

type expiryQueue []expiryItem

func (q expiryQueue) Len() int            { return len(q) }
func (q expiryQueue) Less(i, j int) bool  { return q[i].expiresAt.Before(q[j].expiresAt) }
func (q expiryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expiryQueue) Push(x any)         { *q = append(*q, x.(expiryItem)) }
func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Default timing parameters.
const (
	DefaultSweepWindow = 5 * time.Minute
	DefaultTimeout     = 10 * time.Minute
	MaxTimeout         = 1 * time.Hour
)

// Table is the process-wide lock table. All access is mutex-guarded.
type Table struct {
	mu        sync.Mutex
	byPath    map[string][]*Lock
	byToken   map[string]*Lock
	expiry    expiryQueue
	lastSweep time.Time

	sweepWindow    time.Duration
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	now func() time.Time
}

// Option customizes a Table.
type Option func(*Table)

// WithSweepWindow overrides the minimum interval between full sweeps.
func WithSweepWindow(d time.Duration) Option {
	return func(t *Table) { t.sweepWindow = d }
}

// WithTimeouts overrides the default and maximum lock timeouts.
func WithTimeouts(def, max time.Duration) Option {
	return func(t *Table) { t.defaultTimeout = def; t.maxTimeout = max }
}

// NewTable creates an empty lock table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		byPath:         make(map[string][]*Lock),
		byToken:        make(map[string]*Lock),
		sweepWindow:    DefaultSweepWindow,
		defaultTimeout: DefaultTimeout,
		maxTimeout:     MaxTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Create acquires a new lock. It fails with a 423 error when a conflicting
// unexpired lock already covers the path: any lock at the exact path, a
// depth-infinity lock at an ancestor, or, for a depth-infinity request, any
// lock below the path. Exclusive on either side conflicts; shared locks
// coexist. ifTokens authorize past the caller's own locks.
func (t *Table) Create(path, owner string, timeout time.Duration, depth Depth, scope Scope, ifTokens []string) (*Lock, error) {
	path = normalize(path)
	timeout = t.clampTimeout(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.maybeSweepLocked(now)

	if existing := t.conflictLocked(path, depth, scope, now, ifTokens); existing != nil {
		metrics.RecordLockConflict()
		return nil, errs.Locked(path)
	}

	l := &Lock{
		Token:     "urn:uuid:" + uuid.NewString(),
		Path:      path,
		Owner:     owner,
		Depth:     depth,
		Scope:     scope,
		Type:      "write",
		Timeout:   timeout,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	t.byPath[path] = append(t.byPath[path], l)
	t.byToken[l.Token] = l
	heap.Push(&t.expiry, expiryItem{token: l.Token, expiresAt: l.ExpiresAt})
	metrics.SetActiveLocks(len(t.byToken))

	return l, nil
}

// Refresh extends an existing lock's timeout, keeping the same token.
func (t *Table) Refresh(token string, timeout time.Duration) (*Lock, error) {
	timeout = t.clampTimeout(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byToken[token]
	if !ok {
		return nil, errs.Conflict("no lock for token")
	}
	now := t.now()
	if l.expired(now) {
		t.removeLocked(l)
		return nil, errs.PreconditionFailed("lock has expired")
	}

	l.Timeout = timeout
	l.ExpiresAt = now.Add(timeout)
	heap.Push(&t.expiry, expiryItem{token: l.Token, expiresAt: l.ExpiresAt})
	return l, nil
}

// Check returns the lock blocking an operation on path, or nil when the
// operation may proceed. ifTokens are the tokens the caller presented in an
// If header; a matching token satisfies the lock regardless of the request
// path (token is authoritative over path).
func (t *Table) Check(path string, ifTokens []string) *Lock {
	path = normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.maybeSweepLocked(now)

	blocking := t.findLocked(path, now)
	if blocking == nil {
		return nil
	}
	for _, tok := range ifTokens {
		if tok == blocking.Token {
			return nil
		}
	}
	return blocking
}

// conflictLocked returns an unexpired lock that blocks creating a new lock
// on path, or nil. A lock at the path itself or a depth-infinity lock at an
// ancestor covers the path; a depth-infinity request is additionally blocked
// by any lock in the subtree below. Locks whose tokens appear in ifTokens
// never block. Must be called with t.mu held.
func (t *Table) conflictLocked(path string, depth Depth, scope Scope, now time.Time, ifTokens []string) *Lock {
	blocks := func(l *Lock) bool {
		if l.expired(now) {
			return false
		}
		if scope != Exclusive && l.Scope != Exclusive {
			return false
		}
		return !tokenHeld(ifTokens, l.Token)
	}

	current := path
	exact := true
	for {
		for _, l := range t.byPath[current] {
			if !exact && l.Depth != DepthInfinity {
				continue
			}
			if blocks(l) {
				return l
			}
		}
		if current == "/" {
			break
		}
		idx := strings.LastIndexByte(current, '/')
		if idx <= 0 {
			current = "/"
		} else {
			current = current[:idx]
		}
		exact = false
	}

	if depth != DepthInfinity {
		return nil
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for p, locks := range t.byPath {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		for _, l := range locks {
			if blocks(l) {
				return l
			}
		}
	}
	return nil
}

func tokenHeld(tokens []string, token string) bool {
	for _, tok := range tokens {
		if tok == token {
			return true
		}
	}
	return false
}

// FindByPath returns the lock covering a path, walking ancestors for
// depth-infinity locks, or nil.
func (t *Table) FindByPath(path string) *Lock {
	path = normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(path, t.now())
}

// findLocked walks path segments upward to the root looking for an
// unexpired lock: any lock at the exact path, or a depth-infinity lock at an
// ancestor. Expired hits are evicted opportunistically. Must be called with
// t.mu held.
func (t *Table) findLocked(path string, now time.Time) *Lock {
	current := path
	exact := true
	for {
		// Eviction is deferred past the scan: removeLocked rewrites the
		// slice being ranged over and would skip the next element.
		var hit *Lock
		var expired []*Lock
		for _, l := range t.byPath[current] {
			if l.expired(now) {
				expired = append(expired, l)
				continue
			}
			if hit == nil && (exact || l.Depth == DepthInfinity) {
				hit = l
			}
		}
		for _, l := range expired {
			t.removeLocked(l)
		}
		if hit != nil {
			return hit
		}
		if current == "/" {
			return nil
		}
		idx := strings.LastIndexByte(current, '/')
		if idx <= 0 {
			current = "/"
		} else {
			current = current[:idx]
		}
		exact = false
	}
}

// Get returns the unexpired lock for a token, or nil.
func (t *Table) Get(token string) *Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.byToken[token]
	if !ok {
		return nil
	}
	if l.expired(t.now()) {
		t.removeLocked(l)
		return nil
	}
	return l
}

// Unlock removes a lock by token. The request path plays no part, so a path
// mismatch never blocks removal.
func (t *Table) Unlock(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byToken[token]
	if !ok {
		return errs.Conflict("no lock for token")
	}
	if l.expired(t.now()) {
		t.removeLocked(l)
		return errs.PreconditionFailed("lock has expired")
	}
	t.removeLocked(l)
	return nil
}

// removeLocked must be called with t.mu held.
func (t *Table) removeLocked(l *Lock) {
	delete(t.byToken, l.Token)
	locks := t.byPath[l.Path]
	for i, candidate := range locks {
		if candidate.Token == l.Token {
			t.byPath[l.Path] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(t.byPath[l.Path]) == 0 {
		delete(t.byPath, l.Path)
	}
	metrics.SetActiveLocks(len(t.byToken))
}

// maybeSweepLocked purges expired locks at most once per sweep window.
// Must be called with t.mu held.
func (t *Table) maybeSweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < t.sweepWindow {
		return
	}
	t.lastSweep = now
	t.sweepLocked(now)
}

// sweepLocked pops expired entries off the heap, skipping stale ones.
// Must be called with t.mu held.
func (t *Table) sweepLocked(now time.Time) {
	for t.expiry.Len() > 0 {
		item := t.expiry[0]
		if item.expiresAt.After(now) {
			break
		}
		heap.Pop(&t.expiry)

		l, ok := t.byToken[item.token]
		if !ok || !l.ExpiresAt.Equal(item.expiresAt) {
			continue // stale heap entry (unlocked or refreshed)
		}
		if l.expired(now) {
			t.removeLocked(l)
		}
	}
}

// ActiveCount returns the number of unexpired locks.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, l := range t.byToken {
		if !l.expired(now) {
			n++
		}
	}
	return n
}

// Start runs a background janitor that sweeps expired locks until the
// context is canceled.
func (t *Table) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweepWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.mu.Lock()
				t.lastSweep = t.now()
				t.sweepLocked(t.lastSweep)
				t.mu.Unlock()
			}
		}
	}()
}

func (t *Table) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return t.defaultTimeout
	}
	if timeout > t.maxTimeout {
		return t.maxTimeout
	}
	return timeout
}
