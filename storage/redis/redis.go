// Package redis provides a Redis implementation of the embedgate.Store
// interface. Usage records run as Lua scripts so the cap re-check, counter
// increment and credit log append are one atomic unit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Storage implements embedgate.Store using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	record *redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "embedgate:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{KeyPrefix: "embedgate:"}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "embedgate:"
	}

	return &Storage{
		client: client,
		config: config,
		// Re-check, increment and append commit together or not at all
		record: redis.NewScript(`
			local used = tonumber(redis.call('GET', KEYS[1]) or '0')
			local credits = tonumber(ARGV[1])
			local limit = tonumber(ARGV[2])

			local newUsed = used + credits
			if newUsed > limit then
				return {used, 'limit_exceeded'}
			end

			redis.call('SET', KEYS[1], newUsed)
			redis.call('RPUSH', KEYS[2], ARGV[3])
			return {newUsed, 'ok'}
		`),
	}, nil
}

func (s *Storage) entitlementKey(userID, appID string) string {
	return fmt.Sprintf("%sent:%s:%s", s.config.KeyPrefix, userID, appID)
}

func (s *Storage) counterKey(userID, appID string, bucket embedgate.Bucket) string {
	if bucket.IsPlain() {
		return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, bucket.DocID(userID, appID))
	}
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, bucket.Frequency, bucket.DocID(userID, appID))
}

func (s *Storage) creditLogKey() string {
	return s.config.KeyPrefix + "credit_log"
}

func (s *Storage) manifestKey(userID, appID string) string {
	return fmt.Sprintf("%sstate:%s:%s:%s", s.config.KeyPrefix, userID, appID, embedgate.ManifestKey)
}

func (s *Storage) chunkKey(userID, appID string, seq int) string {
	return fmt.Sprintf("%sstate:%s:%s:%s", s.config.KeyPrefix, userID, appID, embedgate.ChunkKey(seq))
}

func (s *Storage) legacyKey(userID, appID string) string {
	return fmt.Sprintf("%sstate:%s:%s:legacy", s.config.KeyPrefix, userID, appID)
}

// storedEntitlement is the JSON shape of an entitlement record
type storedEntitlement struct {
	UsageLimit            int                  `json:"usageLimit"`
	ExpiryDate            *time.Time           `json:"expiryDate,omitempty"`
	FairUsePolicy         *storedFairUsePolicy `json:"fairUsePolicy,omitempty"`
	MaxProjects           *int                 `json:"maxProjects,omitempty"`
	ProjectExpirationDays *int                 `json:"projectExpirationDays,omitempty"`
	UpdatedAt             time.Time            `json:"updatedAt"`
}

type storedFairUsePolicy struct {
	Limit      int    `json:"limit"`
	Frequency  string `json:"frequency"`
	CustomText string `json:"customText,omitempty"`
}

type storedManifest struct {
	ChunkCount int       `json:"chunkCount"`
	SavedAt    time.Time `json:"savedAt"`
}

type storedCreditLogEntry struct {
	UserID          string    `json:"userId"`
	AppID           string    `json:"appId"`
	CreditsDeducted int       `json:"creditsDeducted"`
	Timestamp       time.Time `json:"timestamp"`
}

// GetEntitlement implements embedgate.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID, appID string) (*embedgate.Entitlement, error) {
	raw, err := s.client.Get(ctx, s.entitlementKey(userID, appID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, embedgate.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var stored storedEntitlement
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}

	ent := &embedgate.Entitlement{
		UserID:                userID,
		AppID:                 appID,
		UsageLimit:            stored.UsageLimit,
		ExpiryDate:            stored.ExpiryDate,
		MaxProjects:           stored.MaxProjects,
		ProjectExpirationDays: stored.ProjectExpirationDays,
		UpdatedAt:             stored.UpdatedAt,
	}
	if stored.FairUsePolicy != nil {
		ent.FairUsePolicy = &embedgate.FairUsePolicy{
			Limit:      stored.FairUsePolicy.Limit,
			Frequency:  embedgate.Frequency(stored.FairUsePolicy.Frequency),
			CustomText: stored.FairUsePolicy.CustomText,
		}
	}
	return ent, nil
}

// SetEntitlement seeds an entitlement. Not part of embedgate.Store: the
// gateway reads entitlements, only admin and purchase flows write them.
func (s *Storage) SetEntitlement(ctx context.Context, ent *embedgate.Entitlement) error {
	if ent == nil || ent.UserID == "" || ent.AppID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	stored := storedEntitlement{
		UsageLimit:            ent.UsageLimit,
		ExpiryDate:            ent.ExpiryDate,
		MaxProjects:           ent.MaxProjects,
		ProjectExpirationDays: ent.ProjectExpirationDays,
		UpdatedAt:             ent.UpdatedAt,
	}
	if ent.FairUsePolicy != nil {
		stored.FairUsePolicy = &storedFairUsePolicy{
			Limit:      ent.FairUsePolicy.Limit,
			Frequency:  string(ent.FairUsePolicy.Frequency),
			CustomText: ent.FairUsePolicy.CustomText,
		}
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode entitlement: %w", err)
	}
	if err := s.client.Set(ctx, s.entitlementKey(ent.UserID, ent.AppID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements embedgate.Store
func (s *Storage) GetUsage(ctx context.Context, userID, appID string, bucket embedgate.Bucket) (int, error) {
	used, err := s.client.Get(ctx, s.counterKey(userID, appID, bucket)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return used, nil
}

// RecordUsage implements embedgate.Store via a Lua script
func (s *Storage) RecordUsage(ctx context.Context, req *embedgate.RecordUsageRequest) (int, error) {
	if req.Credits <= 0 {
		return 0, fmt.Errorf("invalid credits amount")
	}

	entry, err := json.Marshal(storedCreditLogEntry{
		UserID:          req.UserID,
		AppID:           req.AppID,
		CreditsDeducted: req.Credits,
		Timestamp:       req.Timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode credit log entry: %w", err)
	}

	keys := []string{
		s.counterKey(req.UserID, req.AppID, req.Bucket),
		s.creditLogKey(),
	}
	result, err := s.record.Run(ctx, s.client, keys, req.Credits, req.Limit, string(entry)).Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to record usage: %w", err)
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected script result: %v", result)
	}

	used, _ := result[0].(int64)
	if outcome, _ := result[1].(string); outcome == "limit_exceeded" {
		return int(used), embedgate.ErrLimitExceeded
	}
	return int(used), nil
}

// AppendCreditLog implements embedgate.Store
func (s *Storage) AppendCreditLog(ctx context.Context, entry *embedgate.CreditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	raw, err := json.Marshal(storedCreditLogEntry{
		UserID:          entry.UserID,
		AppID:           entry.AppID,
		CreditsDeducted: entry.CreditsDeducted,
		Timestamp:       entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to encode credit log entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.creditLogKey(), raw).Err(); err != nil {
		return fmt.Errorf("failed to append credit log: %w", err)
	}
	return nil
}

// ReadChunkManifest implements embedgate.Store
func (s *Storage) ReadChunkManifest(ctx context.Context, userID, appID string) (*embedgate.ChunkManifest, error) {
	raw, err := s.client.Get(ctx, s.manifestKey(userID, appID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	var stored storedManifest
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &embedgate.ChunkManifest{ChunkCount: stored.ChunkCount, SavedAt: stored.SavedAt}, nil
}

// ReadChunks implements embedgate.Store using one MGET
func (s *Storage) ReadChunks(ctx context.Context, userID, appID string, count int) ([]string, error) {
	if count == 0 {
		return nil, nil
	}

	keys := make([]string, count)
	for i := range keys {
		keys[i] = s.chunkKey(userID, appID, i)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}

	chunks := make([]string, count)
	for i, v := range values {
		payload, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", embedgate.ErrChunkMissing, embedgate.ChunkKey(i))
		}
		chunks[i] = payload
	}
	return chunks, nil
}

// ReadLegacyState implements embedgate.Store
func (s *Storage) ReadLegacyState(ctx context.Context, userID, appID string) (string, error) {
	raw, err := s.client.Get(ctx, s.legacyKey(userID, appID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", embedgate.ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get legacy state: %w", err)
	}
	return raw, nil
}

// WriteChunks implements embedgate.Store using one MULTI/EXEC pipeline
func (s *Storage) WriteChunks(ctx context.Context, req *embedgate.ChunkWriteRequest) error {
	raw, err := json.Marshal(storedManifest{ChunkCount: len(req.Chunks), SavedAt: req.SavedAt})
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.manifestKey(req.UserID, req.AppID), raw, 0)
	for i, chunk := range req.Chunks {
		pipe.Set(ctx, s.chunkKey(req.UserID, req.AppID, i), chunk, 0)
	}
	for i := len(req.Chunks); i < req.PrevCount; i++ {
		pipe.Del(ctx, s.chunkKey(req.UserID, req.AppID, i))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// DeleteLegacyState implements embedgate.Store
func (s *Storage) DeleteLegacyState(ctx context.Context, userID, appID string) error {
	if err := s.client.Del(ctx, s.legacyKey(userID, appID)).Err(); err != nil {
		return fmt.Errorf("failed to delete legacy state: %w", err)
	}
	return nil
}
