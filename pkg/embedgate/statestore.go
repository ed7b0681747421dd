package embedgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stored format labels reported to metrics
const (
	formatChunked = "chunked"
	formatLegacy  = "legacy"
)

// StateStoreConfig holds chunked state store configuration
type StateStoreConfig struct {
	// ChunkSize is the fixed slice size in bytes (default: DefaultChunkSize)
	ChunkSize int

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking save/load operations (default: NoopMetrics)
	Metrics Metrics

	// Now supplies the SavedAt timestamp (default: time.Now)
	Now func() time.Time
}

// StateStore persists one embedded app's saved project data per user as a
// chunk set: a manifest plus fixed-size slices of the JSON-encoded payload.
// Pre-chunking legacy documents remain readable; every save writes the
// chunked format and retires the legacy document, never the other way.
type StateStore struct {
	store     Store
	chunkSize int
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewStateStore creates a new chunked state store backed by the given store
func NewStateStore(store Store, config StateStoreConfig) (*StateStore, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
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

	return &StateStore{
		store:     store,
		chunkSize: config.ChunkSize,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       config.Now,
	}, nil
}

// Save replaces the stored state for a (user, app) pair wholesale. The value
// is sanitized (arrays wrapped), encoded, sliced and committed as one atomic
// batch that also deletes now-excess trailing chunks from a previous, larger
// save. A legacy document left over from the pre-chunking format is deleted
// afterwards; that cleanup is best effort and never fails the save.
func (s *StateStore) Save(ctx context.Context, userID, appID string, value interface{}) error {
	start := s.now()
	raw, err := json.Marshal(WrapArrays(value))
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	chunks := splitChunks(string(raw), s.chunkSize)

	prevCount := 0
	manifest, err := s.store.ReadChunkManifest(ctx, userID, appID)
	if err != nil {
		s.metrics.RecordStateSave(appID, len(raw), len(chunks), s.now().Sub(start), err)
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if manifest != nil {
		prevCount = manifest.ChunkCount
	}

	err = s.store.WriteChunks(ctx, &ChunkWriteRequest{
		UserID:    userID,
		AppID:     appID,
		Chunks:    chunks,
		PrevCount: prevCount,
		SavedAt:   s.now(),
	})
	s.metrics.RecordStateSave(appID, len(raw), len(chunks), s.now().Sub(start), err)
	if err != nil {
		return fmt.Errorf("failed to write chunks: %w", err)
	}

	if err := s.store.DeleteLegacyState(ctx, userID, appID); err != nil {
		s.logger.Warn("legacy state cleanup failed",
			Field{Key: "userId", Value: userID},
			Field{Key: "appId", Value: appID},
			Field{Key: "error", Value: err.Error()})
	}

	s.logger.Debug("state saved",
		Field{Key: "userId", Value: userID},
		Field{Key: "appId", Value: appID},
		Field{Key: "bytes", Value: len(raw)},
		Field{Key: "chunks", Value: len(chunks)})
	return nil
}

// Load reconstructs the stored state for a (user, app) pair. A manifest with
// zero chunks is a valid empty state; a manifest naming chunks that cannot
// all be read back is a loud failure. When no manifest exists the legacy
// document is consulted; when neither exists Load returns ErrStateNotFound.
func (s *StateStore) Load(ctx context.Context, userID, appID string) (interface{}, error) {
	start := s.now()

	manifest, err := s.store.ReadChunkManifest(ctx, userID, appID)
	if err != nil {
		s.metrics.RecordStateLoad(appID, formatChunked, s.now().Sub(start), err)
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if manifest != nil {
		value, err := s.loadChunked(ctx, userID, appID, manifest.ChunkCount)
		s.metrics.RecordStateLoad(appID, formatChunked, s.now().Sub(start), err)
		return value, err
	}

	legacy, err := s.store.ReadLegacyState(ctx, userID, appID)
	if errors.Is(err, ErrStateNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		s.metrics.RecordStateLoad(appID, formatLegacy, s.now().Sub(start), err)
		return nil, fmt.Errorf("failed to read legacy state: %w", err)
	}

	value, err := decodeState(legacy)
	s.metrics.RecordStateLoad(appID, formatLegacy, s.now().Sub(start), err)
	return value, err
}

func (s *StateStore) loadChunked(ctx context.Context, userID, appID string, count int) (interface{}, error) {
	if count == 0 {
		// Saved-but-empty is a valid state, not an error
		return map[string]interface{}{}, nil
	}

	chunks, err := s.store.ReadChunks(ctx, userID, appID, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	if len(chunks) != count {
		return nil, fmt.Errorf("%w: expected %d chunks, got %d", ErrChunkMissing, count, len(chunks))
	}

	return decodeState(strings.Join(chunks, ""))
}

func decodeState(raw string) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return UnwrapArrays(value), nil
}
