package ctx

import (
	"github.com/valyala/fasthttp"
)

const claimsKey = "claims"

// Claims is the verified identity attached to a request after the bearer
// token passed validation.
type Claims struct {
	Subject string
	Role    string
}

func SetClaims(ctx *fasthttp.RequestCtx, c *Claims) {
	ctx.SetUserValue(claimsKey, c)
}

func ClaimsFromCtx(ctx *fasthttp.RequestCtx) (*Claims, bool) {
	v := ctx.UserValue(claimsKey)
	if v == nil {
		return nil, false
	}
	c, ok := v.(*Claims)
	return c, ok
}
