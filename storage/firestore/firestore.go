// Package firestore provides a Firestore implementation of the
// embedgate.Store interface. This implementation uses Google Cloud Firestore
// for production-grade gateway persistence.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Storage implements embedgate.Store using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	usageCollection        string
	creditLogCollection    string
	statesCollection       string
	legacyCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for per-(user, app)
	// entitlements. Default: "entitlements"
	EntitlementsCollection string

	// UsageCollection is the base name for usage counters. The plain
	// lifetime counter lives in this collection; period counters live in
	// "{base}_{frequency}" collections. Default: "usage_counts"
	UsageCollection string

	// CreditLogCollection is the append-only audit collection.
	// Default: "credit_log"
	CreditLogCollection string

	// StatesCollection holds one document per (user, app) pair whose
	// "chunks" sub-collection stores the manifest and chunk records.
	// Default: "app_states"
	StatesCollection string

	// LegacyCollection holds pre-chunking single-document states.
	// Default: "app_states_legacy"
	LegacyCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "usage_counts"
	}
	if config.CreditLogCollection == "" {
		config.CreditLogCollection = "credit_log"
	}
	if config.StatesCollection == "" {
		config.StatesCollection = "app_states"
	}
	if config.LegacyCollection == "" {
		config.LegacyCollection = "app_states_legacy"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		usageCollection:        config.UsageCollection,
		creditLogCollection:    config.CreditLogCollection,
		statesCollection:       config.StatesCollection,
		legacyCollection:       config.LegacyCollection,
	}, nil
}

func pairID(userID, appID string) string {
	return fmt.Sprintf("%s_%s", userID, appID)
}

// counterDoc returns the document reference for a usage counter. Plain
// counters are keyed {userID}_{appID} in the base collection; period
// counters are keyed {userID}_{appID}_{periodKey} in a per-frequency
// collection.
func (s *Storage) counterDoc(userID, appID string, bucket embedgate.Bucket) *firestore.DocumentRef {
	collection := s.usageCollection
	if !bucket.IsPlain() {
		collection = fmt.Sprintf("%s_%s", s.usageCollection, bucket.Frequency)
	}
	return s.client.Collection(collection).Doc(bucket.DocID(userID, appID))
}

func (s *Storage) chunksCollection(userID, appID string) *firestore.CollectionRef {
	return s.client.Collection(s.statesCollection).Doc(pairID(userID, appID)).Collection("chunks")
}

// GetEntitlement implements embedgate.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID, appID string) (*embedgate.Entitlement, error) {
	doc := s.client.Collection(s.entitlementsCollection).Doc(pairID(userID, appID))
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, embedgate.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if !snap.Exists() {
		return nil, embedgate.ErrEntitlementNotFound
	}

	data := snap.Data()
	ent := &embedgate.Entitlement{
		UserID:     userID,
		AppID:      appID,
		UsageLimit: getInt(data, "usageLimit"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}

	if expiry, ok := data["expiryDate"].(time.Time); ok && !expiry.IsZero() {
		ent.ExpiryDate = &expiry
	}
	if policy, ok := data["fairUsePolicy"].(map[string]interface{}); ok {
		ent.FairUsePolicy = &embedgate.FairUsePolicy{
			Limit:      getInt(policy, "limit"),
			Frequency:  embedgate.Frequency(getString(policy, "frequency")),
			CustomText: getString(policy, "customText"),
		}
	}
	if _, ok := data["maxProjects"]; ok {
		v := getInt(data, "maxProjects")
		ent.MaxProjects = &v
	}
	if _, ok := data["projectExpirationDays"]; ok {
		v := getInt(data, "projectExpirationDays")
		ent.ProjectExpirationDays = &v
	}

	return ent, nil
}

// SetEntitlement writes an entitlement document. Not part of embedgate.Store;
// entitlements are owned by admin and purchase flows, this is a convenience
// for provisioning tools.
func (s *Storage) SetEntitlement(ctx context.Context, ent *embedgate.Entitlement) error {
	if ent == nil {
		return fmt.Errorf("entitlement is required")
	}

	data := map[string]interface{}{
		"usageLimit": ent.UsageLimit,
		"updatedAt":  ent.UpdatedAt,
	}
	if ent.ExpiryDate != nil {
		data["expiryDate"] = *ent.ExpiryDate
	}
	if ent.FairUsePolicy != nil {
		data["fairUsePolicy"] = map[string]interface{}{
			"limit":      ent.FairUsePolicy.Limit,
			"frequency":  string(ent.FairUsePolicy.Frequency),
			"customText": ent.FairUsePolicy.CustomText,
		}
	}
	if ent.MaxProjects != nil {
		data["maxProjects"] = *ent.MaxProjects
	}
	if ent.ProjectExpirationDays != nil {
		data["projectExpirationDays"] = *ent.ProjectExpirationDays
	}

	doc := s.client.Collection(s.entitlementsCollection).Doc(pairID(ent.UserID, ent.AppID))
	if _, err := doc.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements embedgate.Store
func (s *Storage) GetUsage(ctx context.Context, userID, appID string, bucket embedgate.Bucket) (int, error) {
	snap, err := s.counterDoc(userID, appID, bucket).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil // Counter is created lazily; absence means zero
		}
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	if !snap.Exists() {
		return 0, nil
	}
	return getInt(snap.Data(), "count"), nil
}

// RecordUsage implements embedgate.Store. The transaction is the
// linearization point: the cap re-check, the counter write and the credit
// log append commit together or not at all, so concurrent records at the
// limit boundary resolve to exactly one success.
func (s *Storage) RecordUsage(ctx context.Context, req *embedgate.RecordUsageRequest) (int, error) {
	if req.Credits <= 0 {
		return 0, fmt.Errorf("invalid credits amount")
	}

	doc := s.counterDoc(req.UserID, req.AppID, req.Bucket)
	var newUsed int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)

		currentUsed := 0
		if err == nil && snap.Exists() {
			currentUsed = getInt(snap.Data(), "count")
		} else if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		newUsed = currentUsed + req.Credits
		if newUsed > req.Limit {
			newUsed = currentUsed
			return embedgate.ErrLimitExceeded
		}

		now := time.Now().UTC()
		err = tx.Set(doc, map[string]interface{}{
			"count":     newUsed,
			"userId":    req.UserID,
			"appId":     req.AppID,
			"updatedAt": now,
		}, firestore.MergeAll)
		if err != nil {
			return err
		}

		logRef := s.client.Collection(s.creditLogCollection).NewDoc()
		return tx.Create(logRef, map[string]interface{}{
			"userId":          req.UserID,
			"appId":           req.AppID,
			"creditsDeducted": req.Credits,
			"timestamp":       req.Timestamp,
		})
	})

	return newUsed, err
}

// AppendCreditLog implements embedgate.Store
func (s *Storage) AppendCreditLog(ctx context.Context, entry *embedgate.CreditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	_, _, err := s.client.Collection(s.creditLogCollection).Add(ctx, map[string]interface{}{
		"userId":          entry.UserID,
		"appId":           entry.AppID,
		"creditsDeducted": entry.CreditsDeducted,
		"timestamp":       entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append credit log: %w", err)
	}
	return nil
}

// ReadChunkManifest implements embedgate.Store
func (s *Storage) ReadChunkManifest(ctx context.Context, userID, appID string) (*embedgate.ChunkManifest, error) {
	doc := s.chunksCollection(userID, appID).Doc(embedgate.ManifestKey)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &embedgate.ChunkManifest{
		ChunkCount: getInt(data, "chunkCount"),
		SavedAt:    getTime(data, "savedAt"),
	}, nil
}

// ReadChunks implements embedgate.Store. Chunk reads carry no ordering
// dependency, so they are issued as parallel in-flight gets.
func (s *Storage) ReadChunks(ctx context.Context, userID, appID string, count int) ([]string, error) {
	collection := s.chunksCollection(userID, appID)
	chunks := make([]string, count)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			key := embedgate.ChunkKey(i)
			snap, err := collection.Doc(key).Get(ctx)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return fmt.Errorf("%w: %s", embedgate.ErrChunkMissing, key)
				}
				return fmt.Errorf("failed to get chunk %s: %w", key, err)
			}
			if !snap.Exists() {
				return fmt.Errorf("%w: %s", embedgate.ErrChunkMissing, key)
			}
			chunks[i] = getString(snap.Data(), "payload")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ReadLegacyState implements embedgate.Store
func (s *Storage) ReadLegacyState(ctx context.Context, userID, appID string) (string, error) {
	doc := s.client.Collection(s.legacyCollection).Doc(pairID(userID, appID))
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", embedgate.ErrStateNotFound
		}
		return "", fmt.Errorf("failed to get legacy state: %w", err)
	}
	if !snap.Exists() {
		return "", embedgate.ErrStateNotFound
	}
	return getString(snap.Data(), "data"), nil
}

// WriteChunks implements embedgate.Store. The whole replacement commits as
// one atomic write batch: manifest, chunk upserts and trailing deletes are
// never partially visible to a reader.
func (s *Storage) WriteChunks(ctx context.Context, req *embedgate.ChunkWriteRequest) error {
	collection := s.chunksCollection(req.UserID, req.AppID)
	batch := s.client.Batch()

	batch.Set(collection.Doc(embedgate.ManifestKey), map[string]interface{}{
		"chunkCount": len(req.Chunks),
		"savedAt":    req.SavedAt,
	})

	for i, chunk := range req.Chunks {
		batch.Set(collection.Doc(embedgate.ChunkKey(i)), map[string]interface{}{
			"payload": chunk,
		})
	}

	// Shrinking saves leave no orphaned trailing chunks behind
	for i := len(req.Chunks); i < req.PrevCount; i++ {
		batch.Delete(collection.Doc(embedgate.ChunkKey(i)))
	}

	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// DeleteLegacyState implements embedgate.Store. Deleting an absent document
// is not an error in Firestore, which matches the idempotency contract.
func (s *Storage) DeleteLegacyState(ctx context.Context, userID, appID string) error {
	doc := s.client.Collection(s.legacyCollection).Doc(pairID(userID, appID))
	if _, err := doc.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete legacy state: %w", err)
	}
	return nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
