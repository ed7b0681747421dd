package embedgate

import (
	"time"
)

// Frequency defines the rolling calendar window of a fair-use policy
type Frequency string

const (
	// FrequencyDaily caps usage per calendar day
	FrequencyDaily Frequency = "daily"
	// FrequencyMonthly caps usage per calendar month
	FrequencyMonthly Frequency = "monthly"
	// FrequencyYearly caps usage per calendar year
	FrequencyYearly Frequency = "yearly"
)

// FairUsePolicy is a secondary cap applied to nominally unlimited entitlements.
// A user-level policy overrides the app-level default; when neither is set the
// entitlement is truly unlimited.
type FairUsePolicy struct {
	// Limit is the number of uses allowed per period. Values <= 0 mean the
	// policy imposes no cap.
	Limit int

	// Frequency selects the rolling calendar window (daily, monthly, yearly)
	Frequency Frequency

	// CustomText is an optional operator-supplied message shown to the user
	// when the cap is hit
	CustomText string
}

// Entitlement represents a user's permitted access terms for one embedded app.
// Entitlements are owned by admin and purchase flows; the gateway only reads them.
type Entitlement struct {
	UserID string
	AppID  string

	// UsageLimit is the finite credit budget. 0 means unlimited (possibly
	// subject to a fair-use policy).
	UsageLimit int

	// ExpiryDate, when set, ends access at the start of that calendar date
	ExpiryDate *time.Time

	// FairUsePolicy is the user-level policy override. Only meaningful when
	// UsageLimit == 0.
	FairUsePolicy *FairUsePolicy

	// MaxProjects and ProjectExpirationDays override the embedded app's own
	// project limits. Both must be set for the override to apply.
	MaxProjects           *int
	ProjectExpirationDays *int

	UpdatedAt time.Time
}

// Expired reports whether the entitlement's expiry date is earlier than the
// calendar date of now. Expiry is a whole-day boundary: access lasts through
// the expiry date itself.
func (e *Entitlement) Expired(now time.Time) bool {
	if e.ExpiryDate == nil {
		return false
	}
	ey, em, ed := e.ExpiryDate.Date()
	ny, nm, nd := now.Date()
	expiry := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return expiry.Before(today)
}

// Reason names the business outcome of a usage check or record
type Reason string

const (
	// ReasonActive means the user can proceed
	ReasonActive Reason = "active"
	// ReasonLimitReached means a finite credit budget is exhausted
	ReasonLimitReached Reason = "limit_reached"
	// ReasonFairUseLimitReached means the current fair-use period is exhausted
	ReasonFairUseLimitReached Reason = "fair_use_limit_reached"
	// ReasonAppExpired means the entitlement's expiry date has passed
	ReasonAppExpired Reason = "app_expired"
	// ReasonEntitlementMissing means no entitlement exists for the (user, app) pair
	ReasonEntitlementMissing Reason = "entitlement_missing"
	// ReasonError means the check failed for a non-quota reason (storage,
	// misconfigured policy)
	ReasonError Reason = "error"
)

// UsageStatus is the result of a quota check or record
type UsageStatus struct {
	// Used is the counter value consulted for the decision
	Used int

	// Limit is the cap in force. 0 means no cap applied.
	Limit int

	// CanProceed reports whether another use is allowed
	CanProceed bool

	// Reason names the outcome (active, limit_reached, fair_use_limit_reached)
	Reason Reason
}

// CreditLogEntry is an immutable audit record of one usage deduction.
// One entry is appended per successful record regardless of policy path.
type CreditLogEntry struct {
	UserID          string
	AppID           string
	CreditsDeducted int
	Timestamp       time.Time
}

// ProjectLimits is the per-app override of the embedded app's project limits
type ProjectLimits struct {
	MaxProjects           int
	ProjectExpirationDays int
}

// User identifies the authenticated portal user bound to a session
type User struct {
	ID   string
	Name string
}

// App describes one embeddable third-party application
type App struct {
	// ID is the stable application identifier
	ID string

	// Origin is the declared web origin of the embedded frame. Inbound
	// messages from any other origin are dropped.
	Origin string

	// BaseURL is the frame's launch URL before gateway parameters are appended
	BaseURL string

	// DefaultPolicy is the app-level fair-use default, used when the user's
	// entitlement carries no policy of its own
	DefaultPolicy *FairUsePolicy
}
