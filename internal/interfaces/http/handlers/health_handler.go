package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/infrastructure/identity"
)

// forceRefreshWindow makes RefreshExpired treat every parseable token as
// due, so POST /refresh-token renews the whole pool.
const forceRefreshWindow = 100 * 365 * 24 * time.Hour

// PoolView is the pool surface the health endpoints read.
type PoolView interface {
	PoolStatus() identity.Status
	SoonestExpiry() (time.Time, bool)
	RefreshExpired(ctx context.Context, window time.Duration)
}

// HealthFlags are the config-derived facts /health reports.
type HealthFlags interface {
	ClientMode() bool
	FallbackModel() string
}

// HealthHandler serves the operational surface: liveness, token refresh, and
// the landing page.
type HealthHandler struct {
	pool    PoolView
	flags   HealthFlags
	version string
	started time.Time
	logger  *zap.Logger
}

func NewHealthHandler(pool PoolView, flags HealthFlags, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		pool:    pool,
		flags:   flags,
		version: version,
		started: time.Now(),
		logger:  logger.With(zap.String("component", "health-handler")),
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	st := h.pool.PoolStatus()

	body := gin.H{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"auth_mode":      authModeName(h.flags.ClientMode()),
		"fallback_model": h.flags.FallbackModel(),
		"identity_pool":  st,
	}
	if exp, ok := h.pool.SoonestExpiry(); ok {
		body["token_expires_at"] = exp.UTC().Format(time.RFC3339)
		body["token_expired"] = time.Now().After(exp)
	}
	if st.Total > 0 && st.Healthy == 0 && st.Degraded == 0 {
		body["status"] = "degraded"
	}

	c.JSON(http.StatusOK, body)
}

// RefreshToken handles POST /refresh-token: a forced cookie→token exchange
// across the pool, answering with the resulting health aggregates.
func (h *HealthHandler) RefreshToken(c *gin.Context) {
	h.logger.Info("Manual token refresh requested")
	h.pool.RefreshExpired(c.Request.Context(), forceRefreshWindow)

	body := gin.H{
		"status":        "ok",
		"identity_pool": h.pool.PoolStatus(),
	}
	if exp, ok := h.pool.SoonestExpiry(); ok {
		body["token_expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

// Landing handles GET /.
func (h *HealthHandler) Landing(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, landingPage)
}

func authModeName(client bool) string {
	if client {
		return "client"
	}
	return "server"
}

const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>qwenbridge</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 640px; margin: 4rem auto; color: #222; }
code { background: #f4f4f4; padding: 2px 5px; border-radius: 3px; }
</style>
</head>
<body>
<h1>qwenbridge</h1>
<p>OpenAI-compatible gateway. Endpoints:</p>
<ul>
<li><code>POST /v1/chat/completions</code></li>
<li><code>GET /v1/models</code></li>
<li><code>GET /health</code></li>
</ul>
</body>
</html>
`
