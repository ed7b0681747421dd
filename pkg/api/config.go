package api

import (
	"fmt"
	"net/http"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Config holds configuration for the gateway API handler
type Config struct {
	// Store resolves entitlements (required)
	Store embedgate.Store

	// Ledger handles usage queries and increments (required)
	Ledger *embedgate.Ledger

	// States handles save/load of app-internal project data (required)
	States *embedgate.StateStore

	// Apps is the registry of launchable embedded apps, keyed by app ID
	// (required)
	Apps map[string]embedgate.App

	// GetUser extracts the authenticated user from an HTTP request (required)
	// Return a user with an empty ID if the request is not authenticated
	GetUser func(*http.Request) embedgate.User

	// Notifier receives usage-exhausted signals for the host UI (optional)
	Notifier embedgate.ExhaustionNotifier

	// CheckOrigin optionally restricts which origins may open the frame
	// channel. If nil, all origins are accepted at the transport layer; the
	// broker still validates each message's origin against the launched app
	CheckOrigin func(*http.Request) bool

	// Logger is used for structured logging (default: NoopLogger)
	Logger embedgate.Logger

	// Metrics is used for tracking gateway operations (default: NoopMetrics)
	Metrics embedgate.Metrics

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.States == nil {
		return fmt.Errorf("state store is required")
	}
	if len(c.Apps) == 0 {
		return fmt.Errorf("at least one app is required")
	}
	if c.GetUser == nil {
		return fmt.Errorf("getUser is required")
	}
	return nil
}

// Helper functions for common user extraction patterns

// UserFromHeader returns a GetUser function that reads the user ID and
// display name from headers set by an upstream auth proxy
func UserFromHeader(idHeader, nameHeader string) func(*http.Request) embedgate.User {
	return func(r *http.Request) embedgate.User {
		return embedgate.User{
			ID:   r.Header.Get(idHeader),
			Name: r.Header.Get(nameHeader),
		}
	}
}

// UserFromContext returns a GetUser function that extracts the user from
// request context
func UserFromContext(key interface{}) func(*http.Request) embedgate.User {
	return func(r *http.Request) embedgate.User {
		if user, ok := r.Context().Value(key).(embedgate.User); ok {
			return user
		}
		return embedgate.User{}
	}
}
