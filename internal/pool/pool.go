// Package pool holds one provider's credentials plus their disallow state.
// Readers take an immutable snapshot; every mutation publishes a fresh
// snapshot via atomic pointer swap, so in-flight requests keep the view they
// started with.
package pool

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// Snapshot is the published pool state. Both slices are immutable once
// published; writers copy before modifying.
type Snapshot struct {
	Credentials []gateway.CredentialEntry
	Disallow    []gateway.DisallowEntry
}

// Pool serializes writers with a mutex and lets readers load the current
// snapshot without blocking.
type Pool struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	now  func() time.Time
}

// New builds a pool over the given entries.
func New(entries []gateway.CredentialEntry) *Pool {
	p := &Pool{now: time.Now}
	p.snap.Store(&Snapshot{Credentials: slices.Clone(entries)})
	return p
}

// Snapshot returns the current published state.
func (p *Pool) Snapshot() *Snapshot { return p.snap.Load() }

// Load replaces the whole pool (admin edits). Disallow entries for
// credentials that survived the reload are carried over.
func (p *Pool) Load(entries []gateway.CredentialEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.snap.Load()
	keep := make(map[string]bool, len(entries))
	for i := range entries {
		keep[entries[i].ID] = true
	}
	next := &Snapshot{Credentials: slices.Clone(entries)}
	for _, d := range cur.Disallow {
		if keep[d.CredentialID] {
			next.Disallow = append(next.Disallow, d)
		}
	}
	p.snap.Store(next)
}

// Select walks credentials in weight-then-id order and returns the first one
// that is enabled, has weight, is not in skip, and has no active disallow
// covering scope. ok is false when the pool is exhausted.
func (p *Pool) Select(scope gateway.DisallowScope, skip map[string]bool) (gateway.CredentialEntry, bool) {
	snap := p.snap.Load()
	now := p.now()

	order := make([]int, 0, len(snap.Credentials))
	for i := range snap.Credentials {
		order = append(order, i)
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ca, cb := &snap.Credentials[a], &snap.Credentials[b]
		if ca.Weight != cb.Weight {
			if ca.Weight > cb.Weight {
				return -1
			}
			return 1
		}
		return strings.Compare(ca.ID, cb.ID)
	})

	for _, i := range order {
		c := &snap.Credentials[i]
		if !c.Enabled || c.Weight == 0 || skip[c.ID] {
			continue
		}
		if snap.covered(c.ID, scope, now) {
			continue
		}
		return *c, true
	}
	return gateway.CredentialEntry{}, false
}

func (s *Snapshot) covered(credID string, scope gateway.DisallowScope, now time.Time) bool {
	for i := range s.Disallow {
		d := &s.Disallow[i]
		if d.CredentialID == credID && d.Scope.Covers(scope) && d.Active(now) {
			return true
		}
	}
	return false
}

// MarkUnavailable records a disallow for the credential at the given scope.
// Concurrent marks are commutative: entries for the same (credential, scope)
// merge by taking the later until, with Dead dominating Cooldown. Expired
// entries are dropped while writing.
func (p *Pool) MarkUnavailable(credID string, scope gateway.DisallowScope, level gateway.UnavailableLevel, d time.Duration, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	entry := gateway.DisallowEntry{
		CredentialID: credID,
		Scope:        scope,
		Level:        level,
		Until:        now.Add(d),
		Reason:       reason,
	}

	cur := p.snap.Load()
	next := &Snapshot{Credentials: cur.Credentials}
	merged := false
	for _, ex := range cur.Disallow {
		if !ex.Active(now) {
			continue
		}
		if ex.CredentialID == credID && ex.Scope == scope {
			if entry.Until.After(ex.Until) {
				ex.Until = entry.Until
			}
			if entry.Level == gateway.LevelDead {
				ex.Level = gateway.LevelDead
				ex.Reason = entry.Reason
			}
			merged = true
		}
		next.Disallow = append(next.Disallow, ex)
	}
	if !merged {
		next.Disallow = append(next.Disallow, entry)
	}
	p.snap.Store(next)
}

// ClearDisallow removes every disallow entry for the credential.
func (p *Pool) ClearDisallow(credID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.snap.Load()
	next := &Snapshot{Credentials: cur.Credentials}
	for _, d := range cur.Disallow {
		if d.CredentialID != credID {
			next.Disallow = append(next.Disallow, d)
		}
	}
	p.snap.Store(next)
}

// ReplaceCredential swaps the credential's secret value (token refresh,
// capability learning). Unknown ids are a no-op.
func (p *Pool) ReplaceCredential(credID string, value gateway.Credential) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.snap.Load()
	idx := -1
	for i := range cur.Credentials {
		if cur.Credentials[i].ID == credID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := &Snapshot{
		Credentials: slices.Clone(cur.Credentials),
		Disallow:    cur.Disallow,
	}
	next.Credentials[idx].Value = value
	p.snap.Store(next)
	return true
}

// Upsert adds the entry or replaces an existing one with the same id
// (OAuth callback publishing a fresh credential).
func (p *Pool) Upsert(entry gateway.CredentialEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.snap.Load()
	next := &Snapshot{
		Credentials: slices.Clone(cur.Credentials),
		Disallow:    cur.Disallow,
	}
	for i := range next.Credentials {
		if next.Credentials[i].ID == entry.ID {
			next.Credentials[i] = entry
			p.snap.Store(next)
			return
		}
	}
	next.Credentials = append(next.Credentials, entry)
	p.snap.Store(next)
}

// PruneExpired drops disallow entries whose until has passed. Called by the
// background janitor; selection already ignores inactive entries, this just
// bounds the slice.
func (p *Pool) PruneExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	cur := p.snap.Load()
	next := &Snapshot{Credentials: cur.Credentials}
	dropped := 0
	for _, d := range cur.Disallow {
		if d.Active(now) {
			next.Disallow = append(next.Disallow, d)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		p.snap.Store(next)
	}
	return dropped
}
