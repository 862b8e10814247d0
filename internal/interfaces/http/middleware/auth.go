package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
)

// identityKey is the gin context key carrying the per-request identity in
// client auth mode.
const identityKey = "auth.identity"

// AuthConfig is the view of configuration the middleware needs.
type AuthConfig interface {
	ClientMode() bool
	APIKey() string
}

// Auth authenticates the /v1 surface.
//
// Server mode: an optional API key is checked against Authorization: Bearer,
// X-API-Key, the api_key/key query params, or an api_key body field; with no
// key configured every request passes.
//
// Client mode: the bearer is a semicolon-delimited "api_key;token;cookie"
// tuple (the api_key segment is dropped when none is configured). The
// resulting identity rides the request context; the pool is bypassed.
func Auth(cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.ClientMode() {
			authClient(c, cfg)
			return
		}
		authServer(c, cfg)
	}
}

// RequestIdentity returns the per-request identity, or nil in server mode.
func RequestIdentity(c *gin.Context) *entity.Identity {
	if v, ok := c.Get(identityKey); ok {
		if ident, ok := v.(*entity.Identity); ok {
			return ident
		}
	}
	return nil
}

func authServer(c *gin.Context, cfg AuthConfig) {
	want := cfg.APIKey()
	if want == "" {
		c.Next()
		return
	}

	got := extractKey(c)
	switch {
	case got == "":
		abortAuth(c, "missing api key")
	case got != want:
		abortAuth(c, "invalid api key")
	default:
		c.Next()
	}
}

func authClient(c *gin.Context, cfg AuthConfig) {
	bearer := bearerToken(c)
	if bearer == "" {
		abortAuth(c, "missing credentials: expected bearer \"api_key;token;cookie\"")
		return
	}

	parts := strings.SplitN(bearer, ";", 3)
	if cfg.APIKey() != "" {
		if parts[0] != cfg.APIKey() {
			abortAuth(c, "invalid api key")
			return
		}
		parts = parts[1:]
	}
	if len(parts) == 0 || parts[0] == "" {
		abortAuth(c, "missing upstream token")
		return
	}

	token := parts[0]
	cookie := ""
	if len(parts) > 1 {
		cookie = parts[1]
	}
	c.Set(identityKey, entity.NewIdentity("client", token, cookie))
	c.Next()
}

// extractKey checks every place a client might put the key, cheapest first.
func extractKey(c *gin.Context) string {
	if k := bearerToken(c); k != "" {
		return k
	}
	if k := c.GetHeader("X-API-Key"); k != "" {
		return k
	}
	if k := c.Query("api_key"); k != "" {
		return k
	}
	if k := c.Query("key"); k != "" {
		return k
	}
	return bodyKey(c)
}

// bodyPeekLimit caps how much body the key peek buffers. It mirrors the
// handler's own request-size cap; a var so tests can shrink it.
var bodyPeekLimit int64 = 50 << 20

// bodyKey peeks at a JSON body for an api_key field, restoring the body so
// the handler can still bind it. The peek reads at most bodyPeekLimit bytes;
// anything beyond stays unread on the original body.
func bodyKey(c *gin.Context) string {
	if c.Request.Method != http.MethodPost ||
		!strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, bodyPeekLimit))
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))
	if err != nil {
		return ""
	}
	var peek struct {
		APIKey string `json:"api_key"`
	}
	if json.Unmarshal(raw, &peek) != nil {
		return ""
	}
	return peek.APIKey
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func abortAuth(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":     message,
		"details":   "authentication failed",
		"requestId": uuid.NewString(),
	})
}
