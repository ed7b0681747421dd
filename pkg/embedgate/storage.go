package embedgate

import (
	"context"
	"time"
)

// Store defines the interface the gateway requires from the document database.
// All methods use concrete types from this package to avoid import cycles.
//
// Implementations must make RecordUsage and WriteChunks atomic: a reader never
// observes a partially applied usage record or chunk set.
type Store interface {
	// GetEntitlement retrieves the user's entitlement for one app.
	// Returns ErrEntitlementNotFound when none exists; entitlements are
	// written by admin and purchase flows, never by the gateway.
	GetEntitlement(ctx context.Context, userID, appID string) (*Entitlement, error)

	// GetUsage retrieves the counter value for a bucket. A counter that was
	// never incremented reads as 0, not an error.
	GetUsage(ctx context.Context, userID, appID string, bucket Bucket) (int, error)

	// RecordUsage atomically re-checks the cap, increments the bucket counter
	// and appends a credit log entry as one all-or-nothing unit. Returns the
	// new counter value, or the current value with ErrLimitExceeded when the
	// record would cross the cap. Nothing is mutated on failure.
	RecordUsage(ctx context.Context, req *RecordUsageRequest) (int, error)

	// AppendCreditLog appends an audit entry without touching any counter.
	// Used by the truly-unlimited policy path.
	AppendCreditLog(ctx context.Context, entry *CreditLogEntry) error

	// ReadChunkManifest retrieves the chunk set metadata for a (user, app)
	// pair. Returns (nil, nil) when no chunked state exists.
	ReadChunkManifest(ctx context.Context, userID, appID string) (*ChunkManifest, error)

	// ReadChunks retrieves the first count chunk payloads in sequence order.
	// A chunk named by the manifest but absent from the store is reported via
	// ErrChunkMissing, never silently skipped. Implementations are free to
	// fetch chunks in parallel.
	ReadChunks(ctx context.Context, userID, appID string, count int) ([]string, error)

	// ReadLegacyState retrieves the pre-chunking single-document state.
	// Returns ErrStateNotFound when none exists.
	ReadLegacyState(ctx context.Context, userID, appID string) (string, error)

	// WriteChunks commits one atomic batch that upserts the manifest, upserts
	// every chunk and deletes previously existing chunks at sequence indices
	// >= len(req.Chunks).
	WriteChunks(ctx context.Context, req *ChunkWriteRequest) error

	// DeleteLegacyState removes the legacy document if present. Absence is
	// not an error.
	DeleteLegacyState(ctx context.Context, userID, appID string) error
}

// RecordUsageRequest describes one atomic usage record
type RecordUsageRequest struct {
	UserID string
	AppID  string

	// Bucket selects the counter: PlainBucket for finite-credit plans, a
	// period bucket for fair-use caps
	Bucket Bucket

	// Limit is the cap re-validated at write time. Must be > 0.
	Limit int

	// Credits is the amount deducted, normally 1
	Credits int

	// Timestamp is stamped onto the credit log entry
	Timestamp time.Time
}

// ChunkManifest is the metadata record of a chunk set
type ChunkManifest struct {
	// ChunkCount is the number of chunk records. 0 is a valid "saved but
	// empty" state, distinct from no manifest at all.
	ChunkCount int

	SavedAt time.Time
}

// ChunkWriteRequest describes one atomic chunk set replacement
type ChunkWriteRequest struct {
	UserID string
	AppID  string

	// Chunks holds the payload slices in sequence order
	Chunks []string

	// PrevCount is the chunk count from the previous manifest; chunks at
	// indices >= len(Chunks) and < PrevCount are deleted in the same batch
	PrevCount int

	SavedAt time.Time
}
