package user

import (
	"net/http"

	"github.com/simanam/omni-realtime/global"
	midsec "github.com/simanam/omni-realtime/middleware/security"
	security "github.com/simanam/omni-realtime/tools/security"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// HandlerLogin issues a bearer token for the given user. Identity
// verification against an account store is out of scope here; this
// endpoint exists so the gateway is exercisable end to end.
func HandlerLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := security.DefaultOptions(global.GetJwtSecret())
	token, hash, expireAt, err := security.Generate(opts, req.UserID, []string{"read", "write"})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_hash": hash,
		"expire_at":  expireAt.Unix(),
		"user": gin.H{
			"id": req.UserID,
		},
	})
}

// HandlerCheck echoes the identity the auth middleware verified.
func HandlerCheck(c *gin.Context) {
	uid := c.GetString(midsec.CtxUserKey)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": uid})
}
