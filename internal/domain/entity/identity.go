package entity

import "time"

// HealthState 身份健康状态
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthQuarantined
)

// String returns a human-readable label for the health state.
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Identity is a (token, cookie) credential pair impersonating one logged-in
// upstream session. It is the pool's unit of rotation. All mutable fields are
// guarded by the pool mutex; an Identity must not be mutated outside the pool.
type Identity struct {
	ID     string
	Token  string
	Cookie string

	Health              HealthState
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	LastUsed            time.Time
	LastRefresh         time.Time
	RefreshFailures     int

	// NeedsRefresh marks the identity for the next refresh pass after a
	// strong auth failure (401/403 or invalid-token body).
	NeedsRefresh bool
}

// NewIdentity creates an identity from a configured credential pair.
func NewIdentity(id, token, cookie string) *Identity {
	return &Identity{
		ID:     id,
		Token:  token,
		Cookie: cookie,
		Health: HealthHealthy,
	}
}
