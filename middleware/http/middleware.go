// Package http provides HTTP middleware for gateway usage enforcement
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// timeNow is swapped out in tests
var timeNow = time.Now

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AppIDExtractor extracts the embedded app ID from an HTTP request
type AppIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store resolves entitlements for the (user, app) pair (required)
	Store embedgate.Store

	// Ledger records the deduction (required)
	Ledger *embedgate.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetAppID extracts app ID from request (required)
	GetAppID AppIDExtractor

	// DefaultPolicy is the app-level fair-use fallback applied when the
	// entitlement carries no policy of its own (optional)
	DefaultPolicy *embedgate.FairUsePolicy

	// OnDenied is called when the deduction is refused (limit reached or
	// app expired). If nil, returns 429 Too Many Requests
	OnDenied func(w http.ResponseWriter, r *http.Request, status *embedgate.UsageStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNoEntitlement is called when no entitlement exists for the pair
	// If nil, returns 403 Forbidden
	OnNoEntitlement func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that deducts one use per request
// before passing it on. Expiry takes precedence over any counter check, so
// an expired entitlement is refused even when credits remain.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user and app
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}
			appID := config.GetAppID(r)
			if appID == "" {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			ent, err := config.Store.GetEntitlement(ctx, userID, appID)
			if err != nil {
				if errors.Is(err, embedgate.ErrEntitlementNotFound) {
					if config.OnNoEntitlement != nil {
						config.OnNoEntitlement(w, r)
					} else {
						http.Error(w, "Forbidden", http.StatusForbidden)
					}
				} else if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			// Expiry wins over remaining credits
			if ent.Expired(timeNow()) {
				denied := &embedgate.UsageStatus{Reason: embedgate.ReasonAppExpired}
				if config.OnDenied != nil {
					config.OnDenied(w, r, denied)
				} else {
					http.Error(w, "App access expired", http.StatusTooManyRequests)
				}
				return
			}

			status, err := config.Ledger.RecordUsage(ctx, ent, config.DefaultPolicy)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !status.CanProceed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, status)
				} else {
					msg := fmt.Sprintf("Usage limit reached: %d/%d used", status.Used, status.Limit)
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			// Deduction recorded, proceed to handler
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that deducts one use per request
// (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "embedgate:userID"
)

// FromContext returns a UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// AppFromQuery returns an AppIDExtractor that gets the app ID from a query
// parameter
func AppFromQuery(queryName string) AppIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(queryName)
	}
}

// AppFromHeader returns an AppIDExtractor that gets the app ID from a header
func AppFromHeader(headerName string) AppIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedApp returns an AppIDExtractor that always returns a fixed app ID
func FixedApp(appID string) AppIDExtractor {
	return func(r *http.Request) string {
		return appID
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
