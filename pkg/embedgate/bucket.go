package embedgate

import (
	"fmt"
	"time"
)

// Bucket identifies one usage counter for a (user, app) pair. The zero value
// is the plain lifetime counter used by finite-credit entitlements; period
// buckets carry the fair-use frequency and its calendar key.
type Bucket struct {
	// Frequency is empty for the plain counter
	Frequency Frequency

	// Key encodes the period: 2006-01-02 (daily), 2006-01 (monthly),
	// 2006 (yearly). Empty for the plain counter.
	Key string
}

// PlainBucket is the lifetime counter for finite-credit entitlements
var PlainBucket = Bucket{}

// BucketFor computes the current period bucket for a fair-use frequency from
// wall-clock time. A frequency outside the closed set is a configuration
// error, not a default.
func BucketFor(freq Frequency, now time.Time) (Bucket, error) {
	switch freq {
	case FrequencyDaily:
		return Bucket{Frequency: freq, Key: now.Format("2006-01-02")}, nil
	case FrequencyMonthly:
		return Bucket{Frequency: freq, Key: now.Format("2006-01")}, nil
	case FrequencyYearly:
		return Bucket{Frequency: freq, Key: now.Format("2006")}, nil
	default:
		return Bucket{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidPolicy, freq)
	}
}

// DocID returns the storage document key for this bucket's counter:
// {userID}_{appID} for the plain counter, {userID}_{appID}_{periodKey}
// for period buckets.
func (b Bucket) DocID(userID, appID string) string {
	if b.Key == "" {
		return fmt.Sprintf("%s_%s", userID, appID)
	}
	return fmt.Sprintf("%s_%s_%s", userID, appID, b.Key)
}

// IsPlain reports whether this is the lifetime counter
func (b Bucket) IsPlain() bool {
	return b.Frequency == "" && b.Key == ""
}
