package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStampRoundTrip(t *testing.T) {
	now := time.Date(2024, 8, 24, 15, 30, 12, 123456789, time.UTC)
	stamp := EncodeStamp(now)

	if stamp != "2024-08-24T15-30-12.123456789Z" {
		t.Errorf("unexpected encoding: %s", stamp)
	}

	back, err := DecodeStamp(stamp)
	if err != nil {
		t.Fatalf("DecodeStamp failed: %v", err)
	}
	if !back.Equal(now) {
		t.Errorf("round trip mismatch: got %v, want %v", back, now)
	}
}

func TestStampLexicalOrderIsChronological(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		time.Date(2024, 1, 2, 3, 4, 5, 1, time.UTC),
		time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 59, 999999999, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		a, b := EncodeStamp(times[i-1]), EncodeStamp(times[i])
		if a >= b {
			t.Errorf("lexical order broken: %s >= %s", a, b)
		}
	}
}

func TestDecodeStampRejectsMalformed(t *testing.T) {
	for _, stamp := range []string{"", "2024-08-24", "2024-08-24T15-30-12.123456789", "garbageZ"} {
		if _, err := DecodeStamp(stamp); err == nil {
			t.Errorf("malformed stamp accepted: %q", stamp)
		}
	}
}

func TestAppendAndList(t *testing.T) {
	log, err := NewDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	ctx := context.Background()
	id := uuid.NewString()

	stamp1, err := log.Append(ctx, ActionAdd, id, []byte("patch-1"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	stamp2, err := log.Append(ctx, ActionUpdate, id, []byte("patch-2"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := log.Append(ctx, ActionRemove, id, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	manifests, err := log.Manifests(ctx)
	if err != nil {
		t.Fatalf("Manifests failed: %v", err)
	}
	if len(manifests) != 3 {
		t.Fatalf("Expected 3 manifests, got %d", len(manifests))
	}
	wantActions := []Action{ActionAdd, ActionUpdate, ActionRemove}
	for i, ev := range manifests {
		if ev.Action != wantActions[i] {
			t.Errorf("manifest %d: got %s, want %s", i, ev.Action, wantActions[i])
		}
		if ev.RecordID != id {
			t.Errorf("manifest %d: wrong record id %s", i, ev.RecordID)
		}
	}

	patches, err := log.Patches(ctx, id)
	if err != nil {
		t.Fatalf("Patches failed: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("Expected 2 patches, got %d", len(patches))
	}
	if patches[0].Timestamp != stamp1 || patches[1].Timestamp != stamp2 {
		t.Error("patches out of order")
	}
	if string(patches[0].Ciphertext) != "patch-1" {
		t.Errorf("patch content mismatch: %q", patches[0].Ciphertext)
	}
}

func TestAppendStampsStrictlyIncrease(t *testing.T) {
	log, err := NewDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	ctx := context.Background()
	id := uuid.NewString()

	last := ""
	for i := 0; i < 50; i++ {
		stamp, err := log.Append(ctx, ActionUpdate, id, []byte("x"))
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if stamp <= last {
			t.Fatalf("stamp %q not greater than previous %q", stamp, last)
		}
		last = stamp
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	log, err := NewDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	ctx := context.Background()

	if _, err := log.Append(ctx, Action("explode"), uuid.NewString(), nil); err == nil {
		t.Error("invalid action accepted")
	}
	if _, err := log.Append(ctx, ActionAdd, "../../etc/passwd", nil); err == nil {
		t.Error("path-traversal record id accepted")
	}
}

func TestManifestsSkipsCorruptAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	log, err := NewDir(dir, nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	ctx := context.Background()
	id := uuid.NewString()

	if _, err := log.Append(ctx, ActionAdd, id, []byte("p")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	history := filepath.Join(dir, HistoryDir)
	stamp := EncodeStamp(time.Now())
	corrupt := filepath.Join(history, stamp+"_"+uuid.NewString()+"_manifest.json")
	if err := os.WriteFile(corrupt, []byte("{broken"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	foreign := filepath.Join(history, "notes.txt")
	if err := os.WriteFile(foreign, []byte("hello"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	manifests, err := log.Manifests(ctx)
	if err != nil {
		t.Fatalf("Manifests failed: %v", err)
	}
	if len(manifests) != 1 {
		t.Errorf("Expected 1 valid manifest, got %d", len(manifests))
	}
}

func TestConflictArtifactsAndUnion(t *testing.T) {
	dir := t.TempDir()
	log, err := NewDir(dir, nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	ctx := context.Background()
	id := uuid.NewString()

	if _, err := log.Append(ctx, ActionAdd, id, []byte("local-patch")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Plant a conflict-renamed patch and manifest from another device.
	otherStamp := EncodeStamp(time.Now().Add(time.Hour))
	patchName := otherStamp + "_" + id + ".sync-conflict-20240824-153012-ABCDEF7.patch"
	if err := os.WriteFile(filepath.Join(dir, patchName), []byte("remote-patch"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	manifestName := otherStamp + "_" + id + "_manifest.sync-conflict-20240824-153012-ABCDEF7.json"
	body := `{"action":"update","record_id":"` + id + `","timestamp":"` + otherStamp + `"}`
	if err := os.WriteFile(filepath.Join(dir, HistoryDir, manifestName), []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Normal listings must not see the artifacts.
	manifests, err := log.Manifests(ctx)
	if err != nil {
		t.Fatalf("Manifests failed: %v", err)
	}
	if len(manifests) != 1 {
		t.Errorf("plain Manifests saw conflict artifacts: %d events", len(manifests))
	}
	patches, err := log.Patches(ctx, id)
	if err != nil {
		t.Fatalf("Patches failed: %v", err)
	}
	if len(patches) != 1 {
		t.Errorf("plain Patches saw conflict artifacts: %d events", len(patches))
	}

	artifacts, err := log.ConflictArtifacts()
	if err != nil {
		t.Fatalf("ConflictArtifacts failed: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("Expected 2 artifacts, got %d", len(artifacts))
	}

	// The union view merges them back in, de-suffixed and sorted.
	union := NewUnion(log)
	unionManifests, err := union.Manifests(ctx)
	if err != nil {
		t.Fatalf("union Manifests failed: %v", err)
	}
	if len(unionManifests) != 2 {
		t.Fatalf("Expected 2 union manifests, got %d", len(unionManifests))
	}
	if unionManifests[1].Timestamp != otherStamp {
		t.Errorf("union manifests out of order: %+v", unionManifests)
	}
	unionPatches, err := union.Patches(ctx, id)
	if err != nil {
		t.Fatalf("union Patches failed: %v", err)
	}
	if len(unionPatches) != 2 {
		t.Fatalf("Expected 2 union patches, got %d", len(unionPatches))
	}
	if string(unionPatches[1].Ciphertext) != "remote-patch" {
		t.Errorf("union patch content mismatch: %q", unionPatches[1].Ciphertext)
	}

	if err := log.RemoveArtifacts(artifacts); err != nil {
		t.Fatalf("RemoveArtifacts failed: %v", err)
	}
	left, err := log.ConflictArtifacts()
	if err != nil {
		t.Fatalf("ConflictArtifacts failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("artifacts left after removal: %d", len(left))
	}
}

func TestIndexRoundTrip(t *testing.T) {
	log, err := NewDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	if got := log.ReadIndex(); len(got) != 0 {
		t.Errorf("missing index should read as empty, got %v", got)
	}

	id := uuid.NewString()
	want := map[string]IndexEntry{id: {Name: "web1", Kind: "server"}}
	if err := log.WriteIndex(want); err != nil {
		t.Fatalf("WriteIndex failed: %v", err)
	}

	got := log.ReadIndex()
	if got[id].Name != "web1" || got[id].Kind != "server" {
		t.Errorf("index round trip mismatch: %v", got)
	}
}
