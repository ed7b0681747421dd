// Package api provides the HTTP surface of the gateway: a launch endpoint
// that hands the portal a frame URL, a WebSocket endpoint carrying the
// host<->frame message channel, and read-only usage inspection.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

const (
	statusActive  = "active"
	statusExpired = "expired"
	statusMissing = "missing"
	maxUserIDLen  = 255
)

// Handler provides HTTP endpoints for the embedded-app gateway
type Handler struct {
	config   Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*embedgate.Session
}

// NewHandler creates a new gateway API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &embedgate.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &embedgate.NoopMetrics{}
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		// The broker authenticates every message's origin against the
		// launched app, so the transport accepts any handshake origin
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		config: config,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      checkOrigin,
		},
		sessions: make(map[string]*embedgate.Session),
	}, nil
}

// session returns the caller's session, creating it on first use
func (h *Handler) session(user embedgate.User) (*embedgate.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sess, ok := h.sessions[user.ID]; ok {
		return sess, nil
	}

	sess, err := embedgate.NewSession(embedgate.SessionConfig{
		User:     user,
		Store:    h.config.Store,
		Ledger:   h.config.Ledger,
		States:   h.config.States,
		Notifier: h.config.Notifier,
		Logger:   h.config.Logger,
		Metrics:  h.config.Metrics,
	})
	if err != nil {
		return nil, err
	}
	h.sessions[user.ID] = sess
	return sess, nil
}

// authenticate extracts and validates the caller. A nil return means the
// error response was already written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *embedgate.User {
	user := h.config.GetUser(r)
	if user.ID == "" {
		h.handleError(w, r, fmt.Errorf("user not authenticated"), http.StatusUnauthorized)
		return nil
	}
	if len(user.ID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return nil
	}
	return &user
}

// Launch starts an embedded app for the caller and returns the frame URL the
// portal should embed. Relaunching while another app is active retires the
// old frame's broker first.
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	app, ok := h.config.Apps[req.AppID]
	if !ok {
		h.handleError(w, r, fmt.Errorf("unknown app: %s", req.AppID), http.StatusNotFound)
		return
	}

	sess, err := h.session(*user)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	launch, err := sess.Launch(app, embedgate.LaunchOptions{ViewOnly: req.ViewOnly})
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, LaunchResponse{
		AppID:    launch.AppID,
		FrameURL: launch.URL,
		State:    sess.State().String(),
	})
}

// Frame upgrades the request to a WebSocket and runs it as the launched
// frame's message channel. Each decoded envelope is fed to the session's
// broker together with the handshake origin; responses travel back over the
// same connection.
func (h *Handler) Frame(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	sess, err := h.session(*user)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	origin := r.Header.Get("Origin")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	frame := &wsFrame{conn: conn}
	if err := sess.AttachFrame(frame); err != nil {
		h.config.Logger.Warn("frame attach refused",
			embedgate.Field{Key: "userId", Value: user.ID},
			embedgate.Field{Key: "error", Value: err.Error()})
		frame.close()
		return
	}

	h.config.Logger.Info("frame attached",
		embedgate.Field{Key: "userId", Value: user.ID},
		embedgate.Field{Key: "origin", Value: origin})

	defer frame.close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg embedgate.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Undecodable envelopes are dropped like any other bad message
			h.config.Metrics.RecordMessageDropped("malformed")
			continue
		}

		sess.HandleEvent(r.Context(), embedgate.InboundEvent{
			Origin:  origin,
			Source:  frame,
			Message: msg,
		})
	}
}

// GetUsage returns a standardized JSON response of the caller's current
// quota standing for one app. Read-only: no counter is mutated.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	appID := r.URL.Query().Get("appId")
	app, ok := h.config.Apps[appID]
	if !ok {
		h.handleError(w, r, fmt.Errorf("unknown app: %s", appID), http.StatusNotFound)
		return
	}

	ctx := r.Context()
	response := UsageResponse{UserID: user.ID, AppID: appID}

	ent, err := h.config.Store.GetEntitlement(ctx, user.ID, appID)
	if err != nil {
		if errors.Is(err, embedgate.ErrEntitlementNotFound) {
			response.Status = statusMissing
			response.Reason = string(embedgate.ReasonEntitlementMissing)
			h.writeJSON(w, http.StatusOK, response)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	if ent.Expired(time.Now()) {
		response.Status = statusExpired
		response.Limit = ent.UsageLimit
		response.Reason = string(embedgate.ReasonAppExpired)
		h.writeJSON(w, http.StatusOK, response)
		return
	}

	status, err := h.config.Ledger.CheckUsage(ctx, ent, app.DefaultPolicy)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check usage: %w", err), http.StatusInternalServerError)
		return
	}

	response.Status = statusActive
	response.Used = status.Used
	response.Limit = status.Limit
	response.CanGenerate = status.CanProceed
	response.Reason = string(status.Reason)
	h.writeJSON(w, http.StatusOK, response)
}

// Session reports the caller's current frame lifecycle state
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	h.mu.Lock()
	sess := h.sessions[user.ID]
	h.mu.Unlock()

	response := SessionResponse{State: embedgate.StateNoFrame.String()}
	if sess != nil {
		response.State = sess.State().String()
		if app := sess.ActiveApp(); app != nil {
			response.AppID = app.ID
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

// Teardown retires the caller's active frame, if any
func (h *Handler) Teardown(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	h.mu.Lock()
	sess := h.sessions[user.ID]
	h.mu.Unlock()

	if sess != nil {
		sess.Teardown()
	}
	h.writeJSON(w, http.StatusOK, SessionResponse{State: embedgate.StateNoFrame.String()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent; nothing useful to do
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}
