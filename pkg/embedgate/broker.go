package embedgate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Drop causes reported to metrics. A dropped message is expected traffic
// (retired frames racing new ones, spoofing attempts), never a protocol
// error surfaced to the frame.
const (
	dropRetired          = "retired"
	dropNoFrame          = "no_frame"
	dropOriginMismatch   = "origin_mismatch"
	dropSourceMismatch   = "source_mismatch"
	dropIdentityMismatch = "identity_mismatch"
	dropMalformed        = "malformed"
	dropUnknownType      = "unknown_type"
)

// ExhaustionNotifier receives the host-UI signal when an increment is denied.
// The portal turns this into a blocking interstitial rather than a toast.
type ExhaustionNotifier interface {
	// OnUsageExhausted is called with the denial reason. viewOnlyAvailable
	// reports whether a view-only relaunch should be offered: it is for
	// exhausted credits and expired apps, but not for fair-use walls.
	OnUsageExhausted(userID, appID string, reason Reason, viewOnlyAvailable bool)
}

// Broker validates, routes and responds to cross-origin messages from one
// embedded frame. It is bound to a session's (user, app) pair at launch and
// retired at teardown; a retired broker drops everything.
type Broker struct {
	user     User
	app      App
	ledger   *Ledger
	states   *StateStore
	store    Store
	notifier ExhaustionNotifier
	logger   Logger
	metrics  Metrics
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	frame   FrameWindow
	retired bool
}

func newBroker(user User, app App, cfg SessionConfig) *Broker {
	return &Broker{
		user:     user,
		app:      app,
		ledger:   cfg.Ledger,
		states:   cfg.States,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		timeout:  cfg.RequestTimeout,
		now:      cfg.Now,
	}
}

// attach binds the live frame window. Called when the frame finishes loading
// and on frame reload, replacing the previous window reference.
func (b *Broker) attach(frame FrameWindow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = frame
}

// retire permanently detaches the broker. Events still in flight against the
// old frame are dropped from here on.
func (b *Broker) retire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retired = true
	b.frame = nil
}

// Handle authenticates and dispatches one inbound event. Events failing the
// origin or source check are dropped silently: a retired frame racing a new
// one is expected, and a spoofer gets no oracle. Each dispatch runs under the
// configured request timeout so a store outage cannot leave the frame waiting
// forever.
func (b *Broker) Handle(ctx context.Context, ev InboundEvent) {
	b.mu.Lock()
	frame := b.frame
	retired := b.retired
	b.mu.Unlock()

	if retired {
		b.drop(dropRetired, ev)
		return
	}
	if frame == nil {
		b.drop(dropNoFrame, ev)
		return
	}
	if ev.Origin != b.app.Origin {
		b.drop(dropOriginMismatch, ev)
		return
	}
	if ev.Source != frame {
		b.drop(dropSourceMismatch, ev)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := b.now()
	switch ev.Message.Type {
	case MessageGetProjectLimits:
		b.handleGetProjectLimits(ctx, frame, ev.Message)
	case MessageGetUsage:
		b.handleGetUsage(ctx, frame, ev.Message)
	case MessageIncrementUsage:
		b.handleIncrementUsage(ctx, frame, ev.Message)
	case MessageSaveChildAppData:
		b.handleSaveData(ctx, frame, ev.Message)
	case MessageLoadChildAppData:
		b.handleLoadData(ctx, frame, ev.Message)
	default:
		b.drop(dropUnknownType, ev)
		return
	}
	b.metrics.RecordMessage(string(ev.Message.Type), b.now().Sub(start))
}

func (b *Broker) drop(cause string, ev InboundEvent) {
	b.metrics.RecordMessageDropped(cause)
	b.logger.Debug("message dropped",
		Field{Key: "cause", Value: cause},
		Field{Key: "type", Value: string(ev.Message.Type)},
		Field{Key: "origin", Value: ev.Origin})
}

// authenticate decodes the identity claim and verifies it against the
// session. A false return means the message was dropped.
func (b *Broker) authenticate(msg Message) bool {
	var hdr RequestHeader
	if err := json.Unmarshal(msg.Payload, &hdr); err != nil {
		b.metrics.RecordMessageDropped(dropMalformed)
		return false
	}
	if hdr.UserID != b.user.ID || hdr.AppID != b.app.ID {
		b.metrics.RecordMessageDropped(dropIdentityMismatch)
		b.logger.Warn("identity mismatch",
			Field{Key: "type", Value: string(msg.Type)},
			Field{Key: "claimedUser", Value: hdr.UserID},
			Field{Key: "claimedApp", Value: hdr.AppID})
		return false
	}
	return true
}

func (b *Broker) post(ctx context.Context, frame FrameWindow, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		b.logger.Error("failed to build response",
			Field{Key: "type", Value: string(msgType)},
			Field{Key: "error", Value: err.Error()})
		return
	}
	if err := frame.Post(ctx, msg); err != nil {
		b.logger.Warn("failed to post response",
			Field{Key: "type", Value: string(msgType)},
			Field{Key: "error", Value: err.Error()})
	}
}

// handleGetProjectLimits responds only when both overrides are explicitly
// configured; silence tells the child to use its own defaults. A zero-value
// response would be wrong here.
func (b *Broker) handleGetProjectLimits(ctx context.Context, frame FrameWindow, msg Message) {
	if !b.authenticate(msg) {
		return
	}

	ent, err := b.store.GetEntitlement(ctx, b.user.ID, b.app.ID)
	if err != nil {
		if !errors.Is(err, ErrEntitlementNotFound) {
			b.logger.Error("entitlement lookup failed",
				Field{Key: "appId", Value: b.app.ID},
				Field{Key: "error", Value: err.Error()})
		}
		return
	}
	if ent.MaxProjects == nil || ent.ProjectExpirationDays == nil {
		return
	}

	b.post(ctx, frame, MessageProjectLimits, ProjectLimitsPayload{
		MaxProjects:           *ent.MaxProjects,
		ProjectExpirationDays: *ent.ProjectExpirationDays,
	})
}

func (b *Broker) handleGetUsage(ctx context.Context, frame FrameWindow, msg Message) {
	if !b.authenticate(msg) {
		return
	}

	status, reason := b.usageStatus(ctx, func(ent *Entitlement) (*UsageStatus, error) {
		return b.ledger.CheckUsage(ctx, ent, b.app.DefaultPolicy)
	})
	if status == nil {
		status = &UsageStatus{Reason: reason}
	}

	b.post(ctx, frame, MessageUsageStatus, UsageStatusPayload{
		Used:        status.Used,
		Limit:       status.Limit,
		UserName:    b.user.Name,
		CanGenerate: status.CanProceed,
		Reason:      status.Reason,
	})
}

func (b *Broker) handleIncrementUsage(ctx context.Context, frame FrameWindow, msg Message) {
	if !b.authenticate(msg) {
		return
	}

	status, reason := b.usageStatus(ctx, func(ent *Entitlement) (*UsageStatus, error) {
		return b.ledger.RecordUsage(ctx, ent, b.app.DefaultPolicy)
	})
	if status == nil {
		b.post(ctx, frame, MessageIncrementFailure, IncrementFailurePayload{Reason: reason})
		return
	}
	if !status.CanProceed {
		b.post(ctx, frame, MessageIncrementFailure, IncrementFailurePayload{Reason: status.Reason})
		b.notifyExhausted(status.Reason)
		return
	}

	b.post(ctx, frame, MessageIncrementSuccess, nil)
}

// usageStatus runs the expiry check that precedes any ledger call, then the
// given ledger operation. Returns (nil, reason) when the request failed
// before or inside the ledger for a non-quota cause.
func (b *Broker) usageStatus(ctx context.Context, op func(*Entitlement) (*UsageStatus, error)) (*UsageStatus, Reason) {
	ent, err := b.store.GetEntitlement(ctx, b.user.ID, b.app.ID)
	if err != nil {
		if errors.Is(err, ErrEntitlementNotFound) {
			return nil, ReasonEntitlementMissing
		}
		b.logger.Error("entitlement lookup failed",
			Field{Key: "appId", Value: b.app.ID},
			Field{Key: "error", Value: err.Error()})
		return nil, ReasonError
	}

	// Expiry takes precedence over any quota check
	if ent.Expired(b.now()) {
		return &UsageStatus{Limit: ent.UsageLimit, Reason: ReasonAppExpired}, ReasonAppExpired
	}

	status, err := op(ent)
	if err != nil {
		b.logger.Error("ledger operation failed",
			Field{Key: "appId", Value: b.app.ID},
			Field{Key: "error", Value: err.Error()})
		return nil, ReasonError
	}
	return status, status.Reason
}

func (b *Broker) notifyExhausted(reason Reason) {
	if b.notifier == nil {
		return
	}
	viewOnly := reason == ReasonLimitReached || reason == ReasonAppExpired
	b.notifier.OnUsageExhausted(b.user.ID, b.app.ID, reason, viewOnly)
}

func (b *Broker) handleSaveData(ctx context.Context, frame FrameWindow, msg Message) {
	var payload SaveDataPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		b.metrics.RecordMessageDropped(dropMalformed)
		return
	}
	if payload.UserID != b.user.ID || payload.AppID != b.app.ID {
		b.metrics.RecordMessageDropped(dropIdentityMismatch)
		return
	}

	var value interface{}
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &value); err != nil {
			b.post(ctx, frame, MessageSaveError, ErrorPayload{Message: "invalid data payload"})
			return
		}
	}

	if err := b.states.Save(ctx, b.user.ID, b.app.ID, value); err != nil {
		b.post(ctx, frame, MessageSaveError, ErrorPayload{Message: err.Error()})
		return
	}
	b.post(ctx, frame, MessageSaveSuccess, nil)
}

func (b *Broker) handleLoadData(ctx context.Context, frame FrameWindow, msg Message) {
	if !b.authenticate(msg) {
		return
	}

	value, err := b.states.Load(ctx, b.user.ID, b.app.ID)
	if errors.Is(err, ErrStateNotFound) {
		b.post(ctx, frame, MessageNoDataFound, nil)
		return
	}
	if err != nil {
		b.post(ctx, frame, MessageLoadError, ErrorPayload{Message: err.Error()})
		return
	}
	b.post(ctx, frame, MessageDataLoaded, DataLoadedPayload{Payload: value})
}
