package embedgate

import "time"

// Metrics defines the interface for tracking gateway operations.
type Metrics interface {
	// RecordUsageCheck records a quota check and its outcome reason.
	RecordUsageCheck(appID string, reason Reason, duration time.Duration)

	// RecordUsageRecord records a usage record attempt.
	RecordUsageRecord(appID string, reason Reason, success bool)

	// RecordMessage records an inbound protocol message dispatch.
	RecordMessage(msgType string, duration time.Duration)

	// RecordMessageDropped records a silently dropped inbound message.
	RecordMessageDropped(cause string)

	// RecordStateSave records a state save with its serialized size and chunk count.
	RecordStateSave(appID string, bytes, chunks int, duration time.Duration, err error)

	// RecordStateLoad records a state load and which stored format served it.
	RecordStateLoad(appID string, format string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordUsageCheck(appID string, reason Reason, duration time.Duration) {}
func (n *NoopMetrics) RecordUsageRecord(appID string, reason Reason, success bool)          {}
func (n *NoopMetrics) RecordMessage(msgType string, duration time.Duration)                 {}
func (n *NoopMetrics) RecordMessageDropped(cause string)                                    {}
func (n *NoopMetrics) RecordStateSave(appID string, bytes, chunks int, duration time.Duration, err error) {
}
func (n *NoopMetrics) RecordStateLoad(appID string, format string, duration time.Duration, err error) {
}
