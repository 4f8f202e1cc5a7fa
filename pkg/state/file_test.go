package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loamctl/loam/pkg/engine"
)

func testFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "loam.state.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := testFileStore(t)
	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != engine.DocumentVersion {
		t.Errorf("version = %d", doc.Version)
	}
	if len(doc.Records) != 0 {
		t.Errorf("records = %v, want empty", doc.Records)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()

	doc := engine.NewDocument()
	doc.Records["compute.network.core"] = &engine.Record{
		Addr:         "compute.network.core",
		Provider:     "mem",
		ID:           "net-1",
		Attrs:        engine.Attrs{"cidr": "10.0.0.0/16", "mtu": float64(1500)},
		Dependencies: []string{},
		Serial:       3,
		UpdatedAt:    time.Now(),
	}

	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if doc.Serial != 1 {
		t.Errorf("serial = %d, want 1", doc.Serial)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := loaded.Records["compute.network.core"]
	if rec == nil {
		t.Fatal("record missing after reload")
	}
	if rec.ID != "net-1" || rec.Attrs["cidr"] != "10.0.0.0/16" || rec.Attrs["mtu"] != float64(1500) {
		t.Errorf("record = %+v", rec)
	}
	if loaded.Serial != 1 {
		t.Errorf("loaded serial = %d", loaded.Serial)
	}
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	store := testFileStore(t)
	if err := store.Save(context.Background(), engine.NewDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(store.path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("directory contains %v, want only the state file", names)
	}
}

func TestFileStoreLockConflict(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()

	first := engine.LockInfo{ID: "lock-1", Who: "alice@ci", Operation: "apply", CreatedAt: time.Now()}
	if err := store.Lock(ctx, first); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	second := engine.LockInfo{ID: "lock-2", Who: "bob", Operation: "plan", CreatedAt: time.Now()}
	err := store.Lock(ctx, second)
	var conflict *LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second Lock error = %v, want LockConflictError", err)
	}
	if conflict.Holder.Who != "alice@ci" {
		t.Errorf("holder = %+v", conflict.Holder)
	}
	if !IsLockConflict(err) {
		t.Error("IsLockConflict = false")
	}

	// Unlocking with the wrong ID must not release someone else's lock.
	if err := store.Unlock(ctx, "lock-2"); !IsLockConflict(err) {
		t.Errorf("Unlock with wrong id = %v, want LockConflictError", err)
	}
	if err := store.Unlock(ctx, "lock-1"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := store.Lock(ctx, second); err != nil {
		t.Errorf("Lock after Unlock: %v", err)
	}
}

func TestFileStoreForceUnlock(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()

	info := engine.LockInfo{ID: "lock-1", Who: "crashed-run", Operation: "apply", CreatedAt: time.Now()}
	if err := store.Lock(ctx, info); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	holder, err := store.ForceUnlock(ctx)
	if err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	if holder.Who != "crashed-run" {
		t.Errorf("holder = %+v", holder)
	}
	if _, err := store.ForceUnlock(ctx); err == nil {
		t.Error("ForceUnlock on unlocked state succeeded")
	}
}

func TestFileStoreIncompatibleVersion(t *testing.T) {
	store := testFileStore(t)

	data, _ := json.Marshal(map[string]any{"version": 99, "records": map[string]any{}})
	if err := os.WriteFile(store.path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("Load error = %v, want ErrIncompatibleVersion", err)
	}
}
