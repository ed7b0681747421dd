package embedgate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LedgerConfig holds quota ledger configuration
type LedgerConfig struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Now supplies wall-clock time for period bucket computation
	// (default: time.Now)
	Now func() time.Time

	// Credits is the amount deducted per successful record (default: 1)
	Credits int
}

// Ledger computes and mutates usage counters under the entitlement's policy.
// It owns the decision tree between finite-credit plans, fair-use capped
// unlimited plans and truly unlimited plans; the caller is responsible for
// checking entitlement expiry first, since expiry takes precedence over any
// quota check.
type Ledger struct {
	store   Store
	logger  Logger
	metrics Metrics
	now     func() time.Time
	credits int
}

// NewLedger creates a new quota ledger backed by the given store
func NewLedger(store Store, config LedgerConfig) (*Ledger, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Credits == 0 {
		config.Credits = 1
	}

	return &Ledger{
		store:   store,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
		credits: config.Credits,
	}, nil
}

// effectivePolicy resolves the fair-use policy for an unlimited entitlement:
// user policy first, then the app default, then nil (truly unlimited)
func effectivePolicy(ent *Entitlement, appDefault *FairUsePolicy) *FairUsePolicy {
	if ent.FairUsePolicy != nil {
		return ent.FairUsePolicy
	}
	return appDefault
}

// plan describes the resolved quota path for one entitlement
type plan struct {
	bucket    Bucket
	limit     int
	unlimited bool
	reason    Reason // denial reason for this path
}

// resolvePlan maps an entitlement onto the counter and cap in force
func (l *Ledger) resolvePlan(ent *Entitlement, appDefault *FairUsePolicy) (plan, error) {
	if ent.UsageLimit > 0 {
		return plan{bucket: PlainBucket, limit: ent.UsageLimit, reason: ReasonLimitReached}, nil
	}

	policy := effectivePolicy(ent, appDefault)
	if policy == nil || policy.Limit <= 0 {
		return plan{unlimited: true}, nil
	}

	bucket, err := BucketFor(policy.Frequency, l.now())
	if err != nil {
		return plan{}, err
	}
	return plan{bucket: bucket, limit: policy.Limit, reason: ReasonFairUseLimitReached}, nil
}

// CheckUsage reports the user's current standing without mutating anything.
// The returned status carries the counter value consulted, the cap in force
// and whether another use may proceed.
func (l *Ledger) CheckUsage(ctx context.Context, ent *Entitlement, appDefault *FairUsePolicy) (*UsageStatus, error) {
	if ent == nil {
		return nil, ErrEntitlementNotFound
	}

	start := l.now()
	status, err := l.checkUsage(ctx, ent, appDefault)
	if err == nil {
		l.metrics.RecordUsageCheck(ent.AppID, status.Reason, l.now().Sub(start))
	}
	return status, err
}

func (l *Ledger) checkUsage(ctx context.Context, ent *Entitlement, appDefault *FairUsePolicy) (*UsageStatus, error) {
	p, err := l.resolvePlan(ent, appDefault)
	if err != nil {
		return nil, err
	}

	if p.unlimited {
		// No counter is consulted on the truly unlimited path
		return &UsageStatus{CanProceed: true, Reason: ReasonActive}, nil
	}

	used, err := l.store.GetUsage(ctx, ent.UserID, ent.AppID, p.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	status := &UsageStatus{Used: used, Limit: p.limit}
	if used < p.limit {
		status.CanProceed = true
		status.Reason = ReasonActive
	} else {
		status.Reason = p.reason
	}
	return status, nil
}

// RecordUsage deducts one use. The cap is re-validated at write time inside
// the store's atomic unit, so two concurrent records at the limit boundary
// resolve to exactly one success. A denial is a named business outcome in the
// returned status, not an error; errors are reserved for storage and
// configuration failures.
func (l *Ledger) RecordUsage(ctx context.Context, ent *Entitlement, appDefault *FairUsePolicy) (*UsageStatus, error) {
	if ent == nil {
		return nil, ErrEntitlementNotFound
	}

	p, err := l.resolvePlan(ent, appDefault)
	if err != nil {
		return nil, err
	}

	now := l.now()

	if p.unlimited {
		// Audit-only: no counter is read or written, but the deduction is
		// still logged for analytics
		entry := &CreditLogEntry{
			UserID:          ent.UserID,
			AppID:           ent.AppID,
			CreditsDeducted: l.credits,
			Timestamp:       now,
		}
		if err := l.store.AppendCreditLog(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to append credit log: %w", err)
		}
		l.metrics.RecordUsageRecord(ent.AppID, ReasonActive, true)
		return &UsageStatus{CanProceed: true, Reason: ReasonActive}, nil
	}

	newUsed, err := l.store.RecordUsage(ctx, &RecordUsageRequest{
		UserID:    ent.UserID,
		AppID:     ent.AppID,
		Bucket:    p.bucket,
		Limit:     p.limit,
		Credits:   l.credits,
		Timestamp: now,
	})
	if err != nil {
		if errors.Is(err, ErrLimitExceeded) {
			l.metrics.RecordUsageRecord(ent.AppID, p.reason, false)
			l.logger.Debug("usage record denied",
				Field{Key: "userId", Value: ent.UserID},
				Field{Key: "appId", Value: ent.AppID},
				Field{Key: "reason", Value: string(p.reason)})
			return &UsageStatus{Used: newUsed, Limit: p.limit, Reason: p.reason}, nil
		}
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	l.metrics.RecordUsageRecord(ent.AppID, ReasonActive, true)
	return &UsageStatus{Used: newUsed, Limit: p.limit, CanProceed: true, Reason: ReasonActive}, nil
}
