// Package gin provides Gin middleware for gateway usage enforcement
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// timeNow is swapped out in tests
var timeNow = time.Now

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AppIDExtractor extracts the embedded app ID from a Gin context
type AppIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Store resolves entitlements for the (user, app) pair (required)
	Store embedgate.Store

	// Ledger records the deduction (required)
	Ledger *embedgate.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetAppID extracts app ID from context (required)
	GetAppID AppIDExtractor

	// DefaultPolicy is the app-level fair-use fallback applied when the
	// entitlement carries no policy of its own (optional)
	DefaultPolicy *embedgate.FairUsePolicy

	// DeniedStatusCode is the HTTP status code returned when the deduction
	// is refused. Default: 429 (Too Many Requests)
	DeniedStatusCode int

	// OnDenied is called when the deduction is refused (limit reached or
	// app expired). If nil, uses default response: DeniedStatusCode JSON
	// with usage info
	OnDenied func(c *gongin.Context, status *embedgate.UsageStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNoEntitlement is called when no entitlement exists for the pair
	// If nil, returns 403 Forbidden
	OnNoEntitlement func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that deducts one use per request
// before passing it on. Expiry takes precedence over any counter check.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("embedgate/gin: Config.Store is required")
	}
	if cfg.Ledger == nil {
		panic("embedgate/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("embedgate/gin: Config.GetUserID is required")
	}
	if cfg.GetAppID == nil {
		panic("embedgate/gin: Config.GetAppID is required")
	}

	// Set defaults
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		// Extract user and app
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}
		appID := cfg.GetAppID(c)
		if appID == "" {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		ent, err := cfg.Store.GetEntitlement(ctx, userID, appID)
		if err != nil {
			if errors.Is(err, embedgate.ErrEntitlementNotFound) {
				if cfg.OnNoEntitlement != nil {
					cfg.OnNoEntitlement(c)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{"error": "Forbidden"})
				}
			} else if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		// Expiry wins over remaining credits
		if ent.Expired(timeNow()) {
			denied := &embedgate.UsageStatus{Reason: embedgate.ReasonAppExpired}
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, denied)
			} else {
				defaultDenied(c, denied, cfg.DeniedStatusCode)
			}
			c.Abort()
			return
		}

		status, err := cfg.Ledger.RecordUsage(ctx, ent, cfg.DefaultPolicy)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}
		if !status.CanProceed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, status)
			} else {
				defaultDenied(c, status, cfg.DeniedStatusCode)
			}
			c.Abort()
			return
		}

		// Deduction recorded, proceed to handler
		c.Next()
	}
}

// Default error handlers

func defaultDenied(c *gongin.Context, status *embedgate.UsageStatus, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":  "Usage limit reached",
		"used":   status.Used,
		"limit":  status.Limit,
		"reason": string(status.Reason),
	})
}

func defaultError(c *gongin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// values. This is the recommended approach for integrating with auth
// middleware that sets user information via c.Set("UserID", "...")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for App ID

// AppFromParam returns an AppIDExtractor that gets the app ID from a route
// parameter
func AppFromParam(paramName string) AppIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// AppFromQuery returns an AppIDExtractor that gets the app ID from a query
// parameter
func AppFromQuery(queryName string) AppIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// FixedApp returns an AppIDExtractor that always returns a fixed app ID
func FixedApp(appID string) AppIDExtractor {
	return func(*gongin.Context) string {
		return appID
	}
}
