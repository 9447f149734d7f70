package middleware

import (
	"bytes"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"dashpulse/internal/config"
	httpctx "dashpulse/internal/http/ctx"
)

// BearerAuth validates JWTs issued by the identity service. Only signature,
// issuer, audience and expiry are checked here; this service never issues or
// rotates tokens. WebSocket clients cannot set headers, so a "token" query
// parameter is accepted as a fallback.
func BearerAuth(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.JWTIssuer),
		jwt.WithAudience(cfg.JWTAudience),
		jwt.WithExpirationRequired(),
	)
	secret := []byte(cfg.JWTSecret)

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token := bearerToken(ctx)
			if token == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				return secret, nil
			}); err != nil {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid token")
				return
			}

			sub, _ := claims.GetSubject()
			role, _ := claims["role"].(string)
			httpctx.SetClaims(ctx, &httpctx.Claims{Subject: sub, Role: role})
			next(ctx)
		}
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Bearer "
	if bytes.HasPrefix(auth, []byte(prefix)) {
		return strings.TrimSpace(string(auth[len(prefix):]))
	}
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("token")))
}
