// Package memory provides an in-memory implementation of the embedgate.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Storage implements embedgate.Store using in-memory maps
type Storage struct {
	mu           sync.Mutex
	entitlements map[string]*embedgate.Entitlement
	counters     map[string]int
	creditLog    []*embedgate.CreditLogEntry
	manifests    map[string]*embedgate.ChunkManifest
	chunks       map[string]map[string]string
	legacy       map[string]string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*embedgate.Entitlement),
		counters:     make(map[string]int),
		manifests:    make(map[string]*embedgate.ChunkManifest),
		chunks:       make(map[string]map[string]string),
		legacy:       make(map[string]string),
	}
}

func pairKey(userID, appID string) string {
	return fmt.Sprintf("%s_%s", userID, appID)
}

func counterKey(userID, appID string, bucket embedgate.Bucket) string {
	return fmt.Sprintf("%s:%s", bucket.Frequency, bucket.DocID(userID, appID))
}

// GetEntitlement implements embedgate.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID, appID string) (*embedgate.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[pairKey(userID, appID)]
	if !ok {
		return nil, embedgate.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// SetEntitlement seeds an entitlement. Not part of embedgate.Store: the
// gateway reads entitlements, only admin and purchase flows write them.
func (s *Storage) SetEntitlement(ent *embedgate.Entitlement) error {
	if ent == nil || ent.UserID == "" || ent.AppID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.entitlements[pairKey(ent.UserID, ent.AppID)] = &entCopy
	return nil
}

// GetUsage implements embedgate.Store
func (s *Storage) GetUsage(ctx context.Context, userID, appID string, bucket embedgate.Bucket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counters[counterKey(userID, appID, bucket)], nil
}

// RecordUsage implements embedgate.Store. The mutex makes the re-check,
// increment and credit log append one atomic unit.
func (s *Storage) RecordUsage(ctx context.Context, req *embedgate.RecordUsageRequest) (int, error) {
	if req.Credits <= 0 {
		return 0, fmt.Errorf("invalid credits amount")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(req.UserID, req.AppID, req.Bucket)
	used := s.counters[key]

	newUsed := used + req.Credits
	if newUsed > req.Limit {
		return used, embedgate.ErrLimitExceeded
	}

	s.counters[key] = newUsed
	s.creditLog = append(s.creditLog, &embedgate.CreditLogEntry{
		UserID:          req.UserID,
		AppID:           req.AppID,
		CreditsDeducted: req.Credits,
		Timestamp:       req.Timestamp,
	})

	return newUsed, nil
}

// AppendCreditLog implements embedgate.Store
func (s *Storage) AppendCreditLog(ctx context.Context, entry *embedgate.CreditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.creditLog = append(s.creditLog, &entryCopy)
	return nil
}

// ReadChunkManifest implements embedgate.Store
func (s *Storage) ReadChunkManifest(ctx context.Context, userID, appID string) (*embedgate.ChunkManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, ok := s.manifests[pairKey(userID, appID)]
	if !ok {
		return nil, nil
	}
	manifestCopy := *manifest
	return &manifestCopy, nil
}

// ReadChunks implements embedgate.Store
func (s *Storage) ReadChunks(ctx context.Context, userID, appID string, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.chunks[pairKey(userID, appID)]
	chunks := make([]string, count)
	for i := 0; i < count; i++ {
		payload, ok := records[embedgate.ChunkKey(i)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", embedgate.ErrChunkMissing, embedgate.ChunkKey(i))
		}
		chunks[i] = payload
	}
	return chunks, nil
}

// ReadLegacyState implements embedgate.Store
func (s *Storage) ReadLegacyState(ctx context.Context, userID, appID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.legacy[pairKey(userID, appID)]
	if !ok {
		return "", embedgate.ErrStateNotFound
	}
	return payload, nil
}

// WriteChunks implements embedgate.Store. The mutex makes the manifest
// upsert, chunk upserts and trailing deletes one atomic unit.
func (s *Storage) WriteChunks(ctx context.Context, req *embedgate.ChunkWriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(req.UserID, req.AppID)
	records := s.chunks[key]
	if records == nil {
		records = make(map[string]string)
		s.chunks[key] = records
	}

	for i, chunk := range req.Chunks {
		records[embedgate.ChunkKey(i)] = chunk
	}
	for i := len(req.Chunks); i < req.PrevCount; i++ {
		delete(records, embedgate.ChunkKey(i))
	}

	s.manifests[key] = &embedgate.ChunkManifest{
		ChunkCount: len(req.Chunks),
		SavedAt:    req.SavedAt,
	}
	return nil
}

// DeleteLegacyState implements embedgate.Store
func (s *Storage) DeleteLegacyState(ctx context.Context, userID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.legacy, pairKey(userID, appID))
	return nil
}

// SetLegacyState seeds a pre-chunking legacy document (testing helper)
func (s *Storage) SetLegacyState(userID, appID, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.legacy[pairKey(userID, appID)] = payload
}

// HasLegacyState reports whether a legacy document exists (testing helper)
func (s *Storage) HasLegacyState(userID, appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.legacy[pairKey(userID, appID)]
	return ok
}

// ChunkRecords returns a copy of the stored chunk records for a (user, app)
// pair (testing helper)
func (s *Storage) ChunkRecords(userID, appID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for k, v := range s.chunks[pairKey(userID, appID)] {
		out[k] = v
	}
	return out
}

// DeleteChunk removes one chunk record out from under the manifest
// (testing helper for missing-chunk scenarios)
func (s *Storage) DeleteChunk(userID, appID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks[pairKey(userID, appID)], embedgate.ChunkKey(seq))
}

// CreditLog returns a copy of the appended credit log entries (testing helper)
func (s *Storage) CreditLog() []*embedgate.CreditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*embedgate.CreditLogEntry, len(s.creditLog))
	copy(out, s.creditLog)
	return out
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements = make(map[string]*embedgate.Entitlement)
	s.counters = make(map[string]int)
	s.creditLog = nil
	s.manifests = make(map[string]*embedgate.ChunkManifest)
	s.chunks = make(map[string]map[string]string)
	s.legacy = make(map[string]string)
}
