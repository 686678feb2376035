package security

import (
	"net/http"
	"strings"

	"github.com/simanam/omni-realtime/global"
	errs "github.com/simanam/omni-realtime/tools/errs"
	sec "github.com/simanam/omni-realtime/tools/security"

	"github.com/gin-gonic/gin"
)

// context keys for downstream handlers
const (
	CtxAuthKey = "authorization" // raw token string
	CtxUserKey = "auth_user"     // verified user id
)

type Options struct {
	HeaderToken               string // default "authorization"
	EnableAuthorizationBearer bool   // default true
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               CtxAuthKey,
		EnableAuthorizationBearer: true,
	}
}

// Middleware verifies the bearer credential and puts the verified user
// identity into the request context.
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	jwtOpts := sec.DefaultOptions(global.GetJwtSecret())
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}

		claims, err := sec.Verify(jwtOpts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}
		uid, err := claims.Subject()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}

		c.Set(CtxAuthKey, token)
		c.Set(CtxUserKey, uid)
		c.Next()
	}
}
