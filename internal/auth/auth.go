// Package auth identifies the caller and enforces role checks.
//
// Identity arrives on each request as headers set by the edge proxy,
// which has already verified the session. Role checks are explicit per
// route group rather than driven by environment allowlists.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const actorKey = "authActor"

// Actor is the authenticated caller of a request.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// IsAdmin reports whether the actor has the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Middleware extracts the caller's identity from the X-Actor-ID and
// X-Actor-Role headers and rejects requests without one.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Actor-ID")
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-Actor-ID header is required",
			})
			return
		}

		role := c.GetHeader("X-Actor-Role")
		if role != RoleAdmin {
			role = RoleUser
		}

		c.Set(actorKey, Actor{ID: id, Role: role})
		c.Next()
	}
}

// RequireAdmin rejects requests whose actor lacks the admin role.
// It must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ActorFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin role required",
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the request's authenticated actor, or a zero Actor
// if Middleware did not run.
func ActorFrom(c *gin.Context) Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(Actor); ok {
			return actor
		}
	}
	return Actor{}
}
