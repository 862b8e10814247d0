package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
)

// CredentialPair is one configured (token, cookie) credential.
type CredentialPair struct {
	ID     string
	Token  string
	Cookie string
}

// TokenExchanger performs the cookie→token exchange. The transaction itself
// lives in the upstream client; the pool only needs the abstract operation.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, cookie string) (string, error)
}

// Options tune the pool's health policy.
type Options struct {
	DegradeThreshold    int           // consecutive failures → degraded (default 1)
	QuarantineThreshold int           // consecutive failures → quarantined (default 3)
	QuarantineCooldown  time.Duration // quarantined identity becomes selectable again (default 30m)
}

func (o Options) withDefaults() Options {
	if o.DegradeThreshold <= 0 {
		o.DegradeThreshold = 1
	}
	if o.QuarantineThreshold <= 0 {
		o.QuarantineThreshold = 3
	}
	if o.QuarantineCooldown <= 0 {
		o.QuarantineCooldown = 30 * time.Minute
	}
	return o
}

// Status aggregates pool health for the health endpoint.
type Status struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Quarantined int `json:"quarantined"`
}

// Pool is the shared registry of identities. A single mutex guards every
// field; the lock is never held across I/O. Acquire returns value snapshots,
// so callers can read credentials without racing pool mutations; state
// updates go through MarkSuccess/MarkFailure by id.
type Pool struct {
	mu          sync.Mutex
	identities  []*entity.Identity
	index       map[string]*entity.Identity
	cursor      int
	initialized bool

	opts      Options
	exchanger TokenExchanger
	store     *TokenStore
	persist   func(id, token string)
	logger    *zap.Logger
}

// NewPool creates an empty pool. store may be nil.
func NewPool(exchanger TokenExchanger, store *TokenStore, opts Options, logger *zap.Logger) *Pool {
	return &Pool{
		index:     make(map[string]*entity.Identity),
		opts:      opts.withDefaults(),
		exchanger: exchanger,
		store:     store,
		logger:    logger.With(zap.String("component", "identity-pool")),
	}
}

// OnRefresh registers a callback invoked after every successful token
// refresh, outside the pool lock. Register before Initialize so refreshes
// during startup are reported too.
func (p *Pool) OnRefresh(fn func(id, token string)) {
	p.persist = fn
}

// Initialize loads the configured credential pairs. For each identity with a
// missing or expired token, a cookie→token exchange is attempted before it is
// admitted; the outcome is recorded in the health state. Idempotent: a second
// call is a no-op.
func (p *Pool) Initialize(ctx context.Context, pairs []CredentialPair) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true

	for i, pair := range pairs {
		id := pair.ID
		if id == "" {
			id = fmt.Sprintf("identity-%d", i+1)
		}
		ident := entity.NewIdentity(id, pair.Token, pair.Cookie)
		if rec := p.store.Load(id); rec != nil && rec.Token != "" {
			// A persisted refresh newer than the configured token wins.
			if exp, ok := TokenExpiresAt(rec.Token); !ok || exp.After(time.Now()) {
				ident.Token = rec.Token
				ident.LastRefresh = rec.RefreshedAt
			}
		}
		p.identities = append(p.identities, ident)
		p.index[id] = ident
	}
	p.mu.Unlock()

	for _, ident := range p.snapshotAll() {
		if ident.Token != "" && !TokenExpired(ident.Token) {
			continue
		}
		p.refreshOne(ctx, ident.ID, ident.Cookie)
	}

	st := p.PoolStatus()
	p.logger.Info("Identity pool initialized",
		zap.Int("total", st.Total),
		zap.Int("healthy", st.Healthy),
		zap.Int("quarantined", st.Quarantined),
	)
}

// Acquire returns a snapshot of the next identity per the selection policy,
// or nil when nothing is selectable. It never blocks on I/O and never waits
// for an identity to free up: there is no exclusive lease.
//
// Policy: healthy before degraded before cooled-down quarantined; within a
// class the least-recently-used wins, tie-broken by pool order.
func (p *Pool) Acquire() *entity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entity.Identity
	bestIdx := -1
	bestClass := 3
	now := time.Now()

	for off := 0; off < len(p.identities); off++ {
		i := (p.cursor + off) % len(p.identities)
		ident := p.identities[i]

		class := 3
		switch ident.Health {
		case entity.HealthHealthy:
			class = 0
		case entity.HealthDegraded:
			class = 1
		case entity.HealthQuarantined:
			if now.Sub(ident.LastFailure) >= p.opts.QuarantineCooldown {
				class = 2
			}
		}
		if class == 3 {
			continue
		}

		if best == nil || class < bestClass ||
			(class == bestClass && ident.LastUsed.Before(best.LastUsed)) {
			best, bestIdx, bestClass = ident, i, class
		}
	}

	if best == nil {
		return nil
	}
	best.LastUsed = now
	p.cursor = (bestIdx + 1) % len(p.identities)

	snap := *best
	return &snap
}

// MarkSuccess clears the failure streak and restores health.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.index[id]
	if !ok {
		return
	}
	ident.ConsecutiveFailures = 0
	ident.Health = entity.HealthHealthy
	ident.LastSuccess = time.Now()
}

// MarkFailure records one failed use. Thresholds degrade then quarantine; a
// strong auth signal quarantines immediately and flags the identity for the
// next refresh pass.
func (p *Pool) MarkFailure(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, ok := p.index[id]
	if !ok {
		return
	}
	ident.ConsecutiveFailures++
	ident.LastFailure = time.Now()

	switch {
	case apperrors.IsAuthError(err):
		ident.Health = entity.HealthQuarantined
		ident.NeedsRefresh = true
	case ident.ConsecutiveFailures >= p.opts.QuarantineThreshold:
		ident.Health = entity.HealthQuarantined
	case ident.ConsecutiveFailures >= p.opts.DegradeThreshold:
		ident.Health = entity.HealthDegraded
	}

	p.logger.Warn("Identity failure recorded",
		zap.String("identity", id),
		zap.Int("consecutive", ident.ConsecutiveFailures),
		zap.String("health", ident.Health.String()),
		zap.Error(err),
	)
}

// PoolStatus returns aggregate counts for observability.
func (p *Pool) PoolStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Total: len(p.identities)}
	for _, ident := range p.identities {
		switch ident.Health {
		case entity.HealthHealthy:
			st.Healthy++
		case entity.HealthDegraded:
			st.Degraded++
		case entity.HealthQuarantined:
			st.Quarantined++
		}
	}
	return st
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// SoonestExpiry returns the nearest token expiry across the pool, for the
// health endpoint's token-freshness report. ok=false when no token parses.
func (p *Pool) SoonestExpiry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var soonest time.Time
	found := false
	for _, ident := range p.identities {
		if exp, ok := TokenExpiresAt(ident.Token); ok {
			if !found || exp.Before(soonest) {
				soonest = exp
				found = true
			}
		}
	}
	return soonest, found
}

// RefreshExpired exchanges cookies for fresh tokens on every identity whose
// token is expired, expires inside window, or was flagged after an auth
// failure. Exchanges run without the pool lock; only the per-identity state
// updates take it, so Acquire is never blocked behind refresh I/O.
func (p *Pool) RefreshExpired(ctx context.Context, window time.Duration) {
	for _, snap := range p.snapshotAll() {
		needs := snap.NeedsRefresh ||
			TokenExpired(snap.Token) ||
			TokenExpiresWithin(snap.Token, window)
		if !needs {
			continue
		}
		p.refreshOne(ctx, snap.ID, snap.Cookie)
	}
}

// UpdateCredentials applies hot-reloaded config credentials to existing
// identities by id. Identities are never added or removed at runtime.
func (p *Pool) UpdateCredentials(pairs []CredentialPair) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pair := range pairs {
		id := pair.ID
		if id == "" {
			id = fmt.Sprintf("identity-%d", i+1)
		}
		ident, ok := p.index[id]
		if !ok {
			continue
		}
		if pair.Token != "" && pair.Token != ident.Token {
			ident.Token = pair.Token
			ident.ConsecutiveFailures = 0
			ident.Health = entity.HealthHealthy
			ident.NeedsRefresh = false
		}
		if pair.Cookie != "" {
			ident.Cookie = pair.Cookie
		}
	}
}

// refreshOne performs a single cookie→token exchange and applies the result.
func (p *Pool) refreshOne(ctx context.Context, id, cookie string) {
	if p.exchanger == nil || cookie == "" {
		return
	}

	token, err := p.exchanger.ExchangeToken(ctx, cookie)

	p.mu.Lock()
	ident, ok := p.index[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if err != nil {
		ident.RefreshFailures++
		p.mu.Unlock()
		p.logger.Warn("Token refresh failed",
			zap.String("identity", id),
			zap.Error(err),
		)
		return
	}
	ident.Token = token
	ident.LastRefresh = time.Now()
	ident.NeedsRefresh = false
	ident.ConsecutiveFailures = 0
	ident.Health = entity.HealthHealthy
	p.mu.Unlock()

	p.store.Save(id, token)
	if p.persist != nil {
		p.persist(id, token)
	}
	p.logger.Info("Token refreshed", zap.String("identity", id))
}

// snapshotAll copies the identity list for lock-free iteration.
func (p *Pool) snapshotAll() []entity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]entity.Identity, 0, len(p.identities))
	for _, ident := range p.identities {
		out = append(out, *ident)
	}
	return out
}
