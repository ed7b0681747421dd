package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	return client
}

// setupTestStorage builds a storage adapter over unique collection names so
// parallel test runs never observe each other's documents
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	client := setupFirestoreClient(t)
	suffix := time.Now().UnixNano()
	storage, err := New(client, Config{
		EntitlementsCollection: fmt.Sprintf("test_ent_%d", suffix),
		UsageCollection:        fmt.Sprintf("test_usage_%d", suffix),
		CreditLogCollection:    fmt.Sprintf("test_credit_%d", suffix),
		StatesCollection:       fmt.Sprintf("test_states_%d", suffix),
		LegacyCollection:       fmt.Sprintf("test_legacy_%d", suffix),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return storage
}

func seedEntitlementDoc(t *testing.T, s *Storage, userID, appID string, data map[string]interface{}) {
	t.Helper()
	ctx := context.Background()
	_, err := s.client.Collection(s.entitlementsCollection).Doc(pairID(userID, appID)).Set(ctx, data)
	if err != nil {
		t.Fatalf("Failed to seed entitlement: %v", err)
	}
}

func TestNew_NilClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestStorage_GetEntitlement(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetEntitlement(ctx, "user1", "app1")
	if err != embedgate.ErrEntitlementNotFound {
		t.Errorf("Expected ErrEntitlementNotFound, got %v", err)
	}

	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	seedEntitlementDoc(t, storage, "user1", "app1", map[string]interface{}{
		"usageLimit": 10,
		"expiryDate": expiry,
		"fairUsePolicy": map[string]interface{}{
			"limit":      5,
			"frequency":  "daily",
			"customText": "come back tomorrow",
		},
		"maxProjects":           7,
		"projectExpirationDays": 30,
		"updatedAt":             time.Now().UTC(),
	})

	ent, err := storage.GetEntitlement(ctx, "user1", "app1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.UsageLimit != 10 {
		t.Errorf("Expected usageLimit=10, got %d", ent.UsageLimit)
	}
	if ent.ExpiryDate == nil || !ent.ExpiryDate.Equal(expiry) {
		t.Errorf("Unexpected expiry: %v", ent.ExpiryDate)
	}
	if ent.FairUsePolicy == nil || ent.FairUsePolicy.Frequency != embedgate.FrequencyDaily {
		t.Errorf("Unexpected fair-use policy: %+v", ent.FairUsePolicy)
	}
	if ent.MaxProjects == nil || *ent.MaxProjects != 7 {
		t.Errorf("Unexpected maxProjects: %v", ent.MaxProjects)
	}
	if ent.ProjectExpirationDays == nil || *ent.ProjectExpirationDays != 30 {
		t.Errorf("Unexpected projectExpirationDays: %v", ent.ProjectExpirationDays)
	}
}

func TestStorage_RecordUsage(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	req := &embedgate.RecordUsageRequest{
		UserID: "user1", AppID: "app1",
		Bucket:    embedgate.PlainBucket,
		Limit:     2,
		Credits:   1,
		Timestamp: time.Now().UTC(),
	}

	for want := 1; want <= 2; want++ {
		newUsed, err := storage.RecordUsage(ctx, req)
		if err != nil {
			t.Fatalf("RecordUsage failed: %v", err)
		}
		if newUsed != want {
			t.Errorf("Expected newUsed=%d, got %d", want, newUsed)
		}
	}

	used, err := storage.RecordUsage(ctx, req)
	if err != embedgate.ErrLimitExceeded {
		t.Fatalf("Expected ErrLimitExceeded, got %v", err)
	}
	if used != 2 {
		t.Errorf("Denied record must not advance the counter, got %d", used)
	}

	got, err := storage.GetUsage(ctx, "user1", "app1", embedgate.PlainBucket)
	if err != nil || got != 2 {
		t.Errorf("Expected counter at 2, got %d (err=%v)", got, err)
	}
}

func TestStorage_RecordUsage_PeriodCounterCollections(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	day, err := embedgate.BucketFor(embedgate.FrequencyDaily, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BucketFor failed: %v", err)
	}

	if _, err := storage.RecordUsage(ctx, &embedgate.RecordUsageRequest{
		UserID: "user1", AppID: "app1",
		Bucket: day, Limit: 10, Credits: 3,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	used, err := storage.GetUsage(ctx, "user1", "app1", day)
	if err != nil || used != 3 {
		t.Errorf("Expected period counter at 3, got %d (err=%v)", used, err)
	}

	// Period counters live in their own collection, away from the plain one
	used, err = storage.GetUsage(ctx, "user1", "app1", embedgate.PlainBucket)
	if err != nil || used != 0 {
		t.Errorf("Expected plain counter untouched, got %d (err=%v)", used, err)
	}
}

func TestStorage_ChunkLifecycle(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	manifest, err := storage.ReadChunkManifest(ctx, "user1", "app1")
	if err != nil || manifest != nil {
		t.Fatalf("Expected (nil, nil) for absent manifest, got (%v, %v)", manifest, err)
	}

	if err := storage.WriteChunks(ctx, &embedgate.ChunkWriteRequest{
		UserID: "user1", AppID: "app1",
		Chunks:  []string{"aaa", "bbb", "ccc"},
		SavedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("WriteChunks failed: %v", err)
	}

	manifest, err = storage.ReadChunkManifest(ctx, "user1", "app1")
	if err != nil {
		t.Fatalf("ReadChunkManifest failed: %v", err)
	}
	if manifest == nil || manifest.ChunkCount != 3 {
		t.Fatalf("Unexpected manifest: %+v", manifest)
	}

	chunks, err := storage.ReadChunks(ctx, "user1", "app1", 3)
	if err != nil {
		t.Fatalf("ReadChunks failed: %v", err)
	}
	for i, want := range []string{"aaa", "bbb", "ccc"} {
		if chunks[i] != want {
			t.Errorf("Chunk %d: expected %q, got %q", i, want, chunks[i])
		}
	}

	// Shrinking replacement deletes the trailing chunks in the same batch
	if err := storage.WriteChunks(ctx, &embedgate.ChunkWriteRequest{
		UserID: "user1", AppID: "app1",
		Chunks:    []string{"zzz"},
		PrevCount: 3,
		SavedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("WriteChunks failed: %v", err)
	}

	if _, err := storage.ReadChunks(ctx, "user1", "app1", 3); err == nil {
		t.Error("Expected missing-chunk error for stale trailing chunks")
	}
	chunks, err = storage.ReadChunks(ctx, "user1", "app1", 1)
	if err != nil || chunks[0] != "zzz" {
		t.Errorf("Expected replacement chunk, got %v (err=%v)", chunks, err)
	}
}

func TestStorage_LegacyState(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.ReadLegacyState(ctx, "user1", "app1"); err != embedgate.ErrStateNotFound {
		t.Errorf("Expected ErrStateNotFound, got %v", err)
	}

	doc := storage.client.Collection(storage.legacyCollection).Doc(pairID("user1", "app1"))
	if _, err := doc.Set(ctx, map[string]interface{}{"data": `{"v":1}`}); err != nil {
		t.Fatalf("Failed to seed legacy doc: %v", err)
	}

	payload, err := storage.ReadLegacyState(ctx, "user1", "app1")
	if err != nil || payload != `{"v":1}` {
		t.Errorf("Unexpected legacy state: %q (err=%v)", payload, err)
	}

	if err := storage.DeleteLegacyState(ctx, "user1", "app1"); err != nil {
		t.Fatalf("DeleteLegacyState failed: %v", err)
	}
	// Deleting an absent document is not an error
	if err := storage.DeleteLegacyState(ctx, "user1", "app1"); err != nil {
		t.Fatalf("Second DeleteLegacyState failed: %v", err)
	}
	if _, err := storage.ReadLegacyState(ctx, "user1", "app1"); err != embedgate.ErrStateNotFound {
		t.Errorf("Expected ErrStateNotFound after delete, got %v", err)
	}
}
