package embedgate

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// SessionState tracks the frame lifecycle of a gateway session
type SessionState int

const (
	// StateNoFrame means no app is launched
	StateNoFrame SessionState = iota
	// StateFrameLoading means an app was launched and its frame has not
	// attached yet
	StateFrameLoading
	// StateFrameActive means the frame's content window is attached and the
	// broker is live
	StateFrameActive
)

func (s SessionState) String() string {
	switch s {
	case StateNoFrame:
		return "no_frame"
	case StateFrameLoading:
		return "frame_loading"
	case StateFrameActive:
		return "frame_active"
	default:
		return "unknown"
	}
}

// DefaultRequestTimeout bounds each broker dispatch so a store outage
// resolves to a failure response instead of leaving the frame waiting
const DefaultRequestTimeout = 30 * time.Second

// DefaultTheme is the display theme embedded into launch URLs
const DefaultTheme = "light"

// SessionConfig holds gateway session configuration
type SessionConfig struct {
	// User is the authenticated portal user this session belongs to
	User User

	// Store is used for entitlement lookups (required)
	Store Store

	// Ledger handles usage queries and increments (required)
	Ledger *Ledger

	// States handles save/load of app-internal project data (required)
	States *StateStore

	// Notifier receives usage-exhausted signals for the host UI (optional)
	Notifier ExhaustionNotifier

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking gateway operations (default: NoopMetrics)
	Metrics Metrics

	// RequestTimeout bounds each broker dispatch (default: DefaultRequestTimeout)
	RequestTimeout time.Duration

	// Theme is appended to launch URLs (default: DefaultTheme)
	Theme string

	// Now supplies wall-clock time (default: time.Now)
	Now func() time.Time
}

// LaunchOptions are per-launch flags
type LaunchOptions struct {
	// ViewOnly launches the frame in view-only mode. The flag rides on the
	// launch URL and is consumed by the child app; the gateway does not
	// enforce it server-side.
	ViewOnly bool
}

// Launch is the result of launching an app
type Launch struct {
	// AppID is the launched application
	AppID string

	// URL is the fully qualified frame URL with gateway parameters appended
	URL string
}

// Session orchestrates one embedded app lifecycle for one user: it allocates
// the frame, computes its launch URL, installs the message broker and tears
// it down before any new frame is created. At most one frame is active at a
// time, and at most one broker is ever wired to a given frame's window.
type Session struct {
	config SessionConfig

	mu     sync.Mutex
	state  SessionState
	app    *App
	broker *Broker
}

// NewSession creates a new gateway session for one authenticated user
func NewSession(config SessionConfig) (*Session, error) {
	if config.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if config.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.User.ID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Theme == "" {
		config.Theme = DefaultTheme
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Session{config: config, state: StateNoFrame}, nil
}

// Launch starts a new embedded app. Any previously installed broker is
// retired first, so stale messages from the old frame can never reach the
// new one. The frame itself attaches later via AttachFrame.
func (s *Session) Launch(app App, opts LaunchOptions) (*Launch, error) {
	if app.ID == "" || app.BaseURL == "" || app.Origin == "" {
		return nil, fmt.Errorf("app id, origin and base URL are required")
	}

	launchURL, err := buildLaunchURL(app.BaseURL, s.config.User.ID, app.ID, s.config.Theme, opts.ViewOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to build launch URL: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broker != nil {
		s.broker.retire()
	}
	s.app = &app
	s.broker = newBroker(s.config.User, app, s.config)
	s.state = StateFrameLoading

	s.config.Logger.Info("app launched",
		Field{Key: "userId", Value: s.config.User.ID},
		Field{Key: "appId", Value: app.ID},
		Field{Key: "viewOnly", Value: opts.ViewOnly})

	return &Launch{AppID: app.ID, URL: launchURL}, nil
}

// AttachFrame binds the loaded frame's content window to the broker. Called
// once the frame comes up, and again with a fresh window on frame reload.
func (s *Session) AttachFrame(frame FrameWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNoFrame || s.broker == nil {
		return ErrNoActiveFrame
	}
	s.broker.attach(frame)
	s.state = StateFrameActive
	return nil
}

// Teardown retires the broker and releases the frame. Safe to call in any
// state.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broker != nil {
		s.broker.retire()
		s.broker = nil
	}
	s.app = nil
	s.state = StateNoFrame
}

// State returns the current frame lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveApp returns the currently launched app, or nil
func (s *Session) ActiveApp() *App {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

// User returns the session's authenticated user
func (s *Session) User() User {
	return s.config.User
}

// HandleEvent feeds one inbound frame event to the installed broker. Events
// arriving with no app launched are dropped.
func (s *Session) HandleEvent(ctx context.Context, ev InboundEvent) {
	s.mu.Lock()
	broker := s.broker
	s.mu.Unlock()

	if broker == nil {
		s.config.Metrics.RecordMessageDropped(dropNoFrame)
		return
	}
	broker.Handle(ctx, ev)
}

func buildLaunchURL(base, userID, appID, theme string, viewOnly bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("appId", appID)
	q.Set("theme", theme)
	if viewOnly {
		q.Set("viewOnly", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
