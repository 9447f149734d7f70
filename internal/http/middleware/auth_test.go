package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"dashpulse/internal/config"
	httpctx "dashpulse/internal/http/ctx"
)

const testSecret = "test-secret"

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:   testSecret,
		JWTIssuer:   "identity-service",
		JWTAudience: "dashboard",
	}
}

type tokenOpts struct {
	secret   string
	issuer   string
	audience string
	expires  time.Time
	noExpiry bool
}

func signToken(t *testing.T, opts tokenOpts) string {
	t.Helper()
	if opts.secret == "" {
		opts.secret = testSecret
	}
	if opts.issuer == "" {
		opts.issuer = "identity-service"
	}
	if opts.audience == "" {
		opts.audience = "dashboard"
	}
	if opts.expires.IsZero() {
		opts.expires = time.Now().Add(time.Hour)
	}

	claims := jwt.MapClaims{
		"sub":  "user-42",
		"role": "analyst",
		"iss":  opts.issuer,
		"aud":  opts.audience,
	}
	if !opts.noExpiry {
		claims["exp"] = opts.expires.Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.secret))
	require.Nil(t, err)
	return signed
}

// run pushes one request through the middleware and reports whether the
// wrapped handler saw it, and with which claims.
func run(cfg *config.Config, prepare func(*fasthttp.RequestCtx)) (int, *httpctx.Claims) {
	var seen *httpctx.Claims
	handler := BearerAuth(cfg)(func(ctx *fasthttp.RequestCtx) {
		seen, _ = httpctx.ClaimsFromCtx(ctx)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/v1/dashboard/metrics")
	prepare(&ctx)
	handler(&ctx)
	return ctx.Response.StatusCode(), seen
}

func TestBearerAuth(t *testing.T) {
	cfg := testConfig()

	t.Run("valid token passes and exposes claims", func(t *testing.T) {
		token := signToken(t, tokenOpts{})
		status, claims := run(cfg, func(ctx *fasthttp.RequestCtx) {
			ctx.Request.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, fasthttp.StatusOK, status)
		require.NotNil(t, claims)
		assert.Equal(t, "user-42", claims.Subject)
		assert.Equal(t, "analyst", claims.Role)
	})

	t.Run("query parameter fallback for websocket clients", func(t *testing.T) {
		token := signToken(t, tokenOpts{})
		status, claims := run(cfg, func(ctx *fasthttp.RequestCtx) {
			ctx.Request.SetRequestURI("/ws?token=" + token)
		})
		assert.Equal(t, fasthttp.StatusOK, status)
		assert.NotNil(t, claims)
	})

	rejected := []struct {
		name  string
		token string
	}{
		{"wrong signing key", signToken(t, tokenOpts{secret: "someone-else"})},
		{"wrong issuer", signToken(t, tokenOpts{issuer: "rogue-service"})},
		{"wrong audience", signToken(t, tokenOpts{audience: "other-app"})},
		{"expired", signToken(t, tokenOpts{expires: time.Now().Add(-time.Minute)})},
		{"no expiry claim", signToken(t, tokenOpts{noExpiry: true})},
		{"garbage", "not.a.token"},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			status, claims := run(cfg, func(ctx *fasthttp.RequestCtx) {
				ctx.Request.Header.Set("Authorization", "Bearer "+tc.token)
			})
			assert.Equal(t, fasthttp.StatusUnauthorized, status)
			assert.Nil(t, claims)
		})
	}

	t.Run("missing token", func(t *testing.T) {
		status, claims := run(cfg, func(ctx *fasthttp.RequestCtx) {})
		assert.Equal(t, fasthttp.StatusUnauthorized, status)
		assert.Nil(t, claims)
	})

	t.Run("unsigned algorithm is refused", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "user-42",
			"iss": "identity-service",
			"aud": "dashboard",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.Nil(t, err)

		status, _ := run(cfg, func(ctx *fasthttp.RequestCtx) {
			ctx.Request.Header.Set("Authorization", "Bearer "+unsigned)
		})
		assert.Equal(t, fasthttp.StatusUnauthorized, status)
	})
}
