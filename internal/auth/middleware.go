// Package auth identifies callers of the gateway.
//
// Callers present an opaque wallet id in X-Wallet-Address. Signature
// verification is out of scope; the wallet is trusted as sent. Money-moving
// admin routes are additionally guarded by a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/validation"
)

const (
	// HeaderWallet carries the caller's wallet id.
	HeaderWallet = "X-Wallet-Address"
	// HeaderAdminSecret carries the admin secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyWallet is the key for storing the caller wallet in gin context
	ContextKeyWallet = "authWallet"
)

// Middleware reads X-Wallet-Address and stores it in the context when present.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if w := validation.NormalizeWallet(c.GetHeader(HeaderWallet)); w != "" && len(w) <= validation.MaxWalletLength {
			c.Set(ContextKeyWallet, w)
		}
		c.Next()
	}
}

// RequireWallet rejects requests without a wallet header.
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetWallet(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
				"hint":  "Include " + HeaderWallet + " header",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards a route with the shared admin secret. An empty
// secret disables the check.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		if !SecretMatches(c.GetHeader(HeaderAdminSecret), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include '" + HeaderAdminSecret + "' header.",
			})
			return
		}
		c.Next()
	}
}

// SecretMatches compares secrets in constant time.
func SecretMatches(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

// GetWallet returns the caller wallet, reading the header directly when
// Middleware did not run.
func GetWallet(c *gin.Context) string {
	if w, ok := c.Get(ContextKeyWallet); ok {
		return w.(string)
	}
	w := validation.NormalizeWallet(c.GetHeader(HeaderWallet))
	if len(w) > validation.MaxWalletLength {
		return ""
	}
	return w
}
