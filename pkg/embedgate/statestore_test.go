package embedgate_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/embedhq/embedgate/pkg/embedgate"
	"github.com/embedhq/embedgate/storage/memory"
)

func newTestStateStore(t *testing.T, chunkSize int) (*embedgate.StateStore, *memory.Storage) {
	t.Helper()
	store := memory.New()
	states, err := embedgate.NewStateStore(store, embedgate.StateStoreConfig{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("NewStateStore failed: %v", err)
	}
	return states, store
}

func TestStateStore_SaveLoadRoundTrip(t *testing.T) {
	states, _ := newTestStateStore(t, 0)
	ctx := context.Background()

	value := map[string]interface{}{
		"projects": []interface{}{
			map[string]interface{}{"id": float64(1), "tags": []interface{}{"a", "b"}},
		},
		"version": float64(3),
	}

	if err := states.Save(ctx, "u1", "app1", value); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(value, loaded) {
		t.Errorf("Round trip changed state:\nwant %v\ngot  %v", value, loaded)
	}
}

func TestStateStore_MultiChunk(t *testing.T) {
	// A tiny chunk size forces a multi-chunk save
	states, store := newTestStateStore(t, 16)
	ctx := context.Background()

	value := map[string]interface{}{
		"blob": strings.Repeat("x", 200),
	}

	if err := states.Save(ctx, "u1", "app1", value); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	manifest, err := store.ReadChunkManifest(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("ReadChunkManifest failed: %v", err)
	}
	if manifest == nil || manifest.ChunkCount < 2 {
		t.Fatalf("Expected a multi-chunk save, got manifest %+v", manifest)
	}

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(value, loaded) {
		t.Error("Multi-chunk round trip changed state")
	}
}

func TestStateStore_ShrinkingSaveDeletesTrailingChunks(t *testing.T) {
	states, store := newTestStateStore(t, 16)
	ctx := context.Background()

	large := map[string]interface{}{"blob": strings.Repeat("x", 400)}
	if err := states.Save(ctx, "u1", "app1", large); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	largeCount := len(store.ChunkRecords("u1", "app1"))

	small := map[string]interface{}{"blob": "y"}
	if err := states.Save(ctx, "u1", "app1", small); err != nil {
		t.Fatalf("Shrinking save failed: %v", err)
	}

	manifest, _ := store.ReadChunkManifest(ctx, "u1", "app1")
	records := store.ChunkRecords("u1", "app1")
	if len(records) != manifest.ChunkCount {
		t.Errorf("Expected exactly %d chunk records after shrink, got %d (was %d)",
			manifest.ChunkCount, len(records), largeCount)
	}

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load after shrink failed: %v", err)
	}
	if !reflect.DeepEqual(small, loaded) {
		t.Error("Shrunk state did not load back")
	}
}

func TestStateStore_LegacyFallback(t *testing.T) {
	states, store := newTestStateStore(t, 0)
	ctx := context.Background()

	// Legacy documents were written before array wrapping existed
	store.SetLegacyState("u1", "app1", `{"projects": [1, 2, 3]}`)

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]interface{}{
		"projects": []interface{}{float64(1), float64(2), float64(3)},
	}
	if !reflect.DeepEqual(want, loaded) {
		t.Errorf("Expected legacy state %v, got %v", want, loaded)
	}
}

func TestStateStore_SaveMigratesAwayFromLegacy(t *testing.T) {
	states, store := newTestStateStore(t, 0)
	ctx := context.Background()

	store.SetLegacyState("u1", "app1", `{"old": true}`)

	if err := states.Save(ctx, "u1", "app1", map[string]interface{}{"new": true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if store.HasLegacyState("u1", "app1") {
		t.Error("Expected legacy document to be deleted after a chunked save")
	}

	// Loads now come from the chunked format
	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(map[string]interface{}{"new": true}, loaded) {
		t.Errorf("Expected migrated state, got %v", loaded)
	}
}

func TestStateStore_ChunkedShadowsLegacy(t *testing.T) {
	states, store := newTestStateStore(t, 0)
	ctx := context.Background()

	store.SetLegacyState("u1", "app1", `{"old": true}`)
	if err := states.Save(ctx, "u1", "app1", map[string]interface{}{"new": true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Even if the legacy cleanup had failed, the manifest's presence makes
	// the chunked format authoritative
	store.SetLegacyState("u1", "app1", `{"old": true}`)

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(map[string]interface{}{"new": true}, loaded) {
		t.Errorf("Expected chunked state to shadow legacy, got %v", loaded)
	}
}

func TestStateStore_NotFound(t *testing.T) {
	states, _ := newTestStateStore(t, 0)

	_, err := states.Load(context.Background(), "u1", "app1")
	if !errors.Is(err, embedgate.ErrStateNotFound) {
		t.Errorf("Expected ErrStateNotFound, got %v", err)
	}
}

func TestStateStore_MissingChunkIsLoud(t *testing.T) {
	states, store := newTestStateStore(t, 16)
	ctx := context.Background()

	if err := states.Save(ctx, "u1", "app1", map[string]interface{}{
		"blob": strings.Repeat("x", 200),
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A chunk vanishing out from under the manifest must fail the load,
	// never silently return truncated state
	store.DeleteChunk("u1", "app1", 1)

	_, err := states.Load(ctx, "u1", "app1")
	if !errors.Is(err, embedgate.ErrChunkMissing) {
		t.Errorf("Expected ErrChunkMissing, got %v", err)
	}
}

func TestStateStore_NilValue(t *testing.T) {
	states, _ := newTestStateStore(t, 0)
	ctx := context.Background()

	if err := states.Save(ctx, "u1", "app1", nil); err != nil {
		t.Fatalf("Save of nil failed: %v", err)
	}

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil state, got %v", loaded)
	}
}

func TestStateStore_EmptyManifestIsEmptyState(t *testing.T) {
	states, store := newTestStateStore(t, 0)
	ctx := context.Background()

	// A manifest naming zero chunks is a valid empty state, not an error
	if err := store.WriteChunks(ctx, &embedgate.ChunkWriteRequest{
		UserID: "u1", AppID: "app1",
	}); err != nil {
		t.Fatalf("WriteChunks failed: %v", err)
	}

	loaded, err := states.Load(ctx, "u1", "app1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(map[string]interface{}{}, loaded) {
		t.Errorf("Expected empty object state, got %v", loaded)
	}
}

func TestStateStore_WrappedOnDisk(t *testing.T) {
	states, store := newTestStateStore(t, 0)
	ctx := context.Background()

	if err := states.Save(ctx, "u1", "app1", map[string]interface{}{
		"list": []interface{}{"a"},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The stored payload carries the wrapper, not a bare array
	records := store.ChunkRecords("u1", "app1")
	raw := records[embedgate.ChunkKey(0)]

	var stored map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("Stored chunk is not valid JSON: %v", err)
	}
	wrapped, ok := stored["list"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected stored array to be wrapped, got %T", stored["list"])
	}
	if tagged, _ := wrapped["__isWrappedArray"].(bool); !tagged {
		t.Error("Expected wrapper tag on stored array")
	}
}
