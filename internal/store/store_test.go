package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/record"
	"tunnelvault/internal/resolver"
)

func openUnlocked(t *testing.T, dir string, password []byte) *Store {
	t.Helper()
	st, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := st.Unlock(context.Background(), password); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	return st
}

func TestFirstRunReturnsRecoveryKey(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if st.IsConfigured() {
		t.Error("fresh store reported configured")
	}

	key, err := st.Unlock(context.Background(), []byte("P1"))
	if err != nil {
		t.Fatalf("first Unlock failed: %v", err)
	}
	if key == "" {
		t.Fatal("first run must return a recovery key")
	}
	if !st.IsConfigured() || !st.IsUnlocked() {
		t.Error("store should be configured and unlocked after first run")
	}

	// The key is shown exactly once on creation, but stays retrievable
	// under the master password.
	stored, err := st.RecoveryKey()
	if err != nil {
		t.Fatalf("RecoveryKey failed: %v", err)
	}
	if stored != key {
		t.Error("stored recovery key differs from the one shown")
	}

	st.Lock()
	if st.IsUnlocked() {
		t.Error("store still unlocked after Lock")
	}

	key2, err := st.Unlock(context.Background(), []byte("P1"))
	if err != nil {
		t.Fatalf("second Unlock failed: %v", err)
	}
	if key2 != "" {
		t.Error("recovery key shown again on a later unlock")
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	st.Lock()

	if _, err := st.Unlock(context.Background(), []byte("wrong")); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
	if st.IsUnlocked() {
		t.Error("store unlocked despite wrong password")
	}
}

func TestCRUDLifecycle(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	server, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if err != nil {
		t.Fatalf("Add server failed: %v", err)
	}

	tunnel, err := st.Add(ctx, &record.Tunnel{
		ServerID:         server.ID,
		Hostname:         "app.example.com",
		LocalDestination: "localhost:3000",
	})
	if err != nil {
		t.Fatalf("Add tunnel failed: %v", err)
	}

	versions, err := st.Versions(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("Expected 1 version after add, got %d", len(versions))
	}

	if err := st.Update(ctx, tunnel.ID, &record.Tunnel{
		ServerID:         server.ID,
		Hostname:         "app.example.com",
		LocalDestination: "localhost:8080",
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	versions, err = st.Versions(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("Expected 2 versions after update, got %d", len(versions))
	}

	// Historical content still shows the original destination.
	before, err := st.ContentAt(ctx, tunnel.ID, versions[0].Timestamp)
	if err != nil {
		t.Fatalf("ContentAt failed: %v", err)
	}
	if !strings.Contains(before, "localhost:3000") {
		t.Errorf("historical content missing original value:\n%s", before)
	}

	got, ok := st.Get(tunnel.ID)
	if !ok {
		t.Fatal("Get failed after update")
	}
	if got.Fields.(*record.Tunnel).LocalDestination != "localhost:8080" {
		t.Error("in-memory state not updated incrementally")
	}

	// Identical update is a no-op: no new version.
	if err := st.Update(ctx, tunnel.ID, got.Fields); err != nil {
		t.Fatalf("no-op Update failed: %v", err)
	}
	versions, _ = st.Versions(ctx, tunnel.ID)
	if len(versions) != 2 {
		t.Errorf("no-op update appended an event: %d versions", len(versions))
	}

	if err := st.Delete(ctx, tunnel.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := st.Get(tunnel.ID); ok {
		t.Error("deleted record still live")
	}
	if err := st.Delete(ctx, tunnel.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}

	// History survives deletion.
	versions, err = st.Versions(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("Expected 3 versions including remove, got %d", len(versions))
	}

	// A fresh unlock replays the same state.
	st.Lock()
	st = openUnlocked(t, dir, []byte("P1"))
	if _, ok := st.Get(server.ID); !ok {
		t.Error("server missing after replay")
	}
	if _, ok := st.Get(tunnel.ID); ok {
		t.Error("deleted tunnel resurrected by replay")
	}
}

func TestMutationsRequireUnlock(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	st.Lock()

	if _, err := st.Add(context.Background(), &record.Server{Name: "x", IPAddress: "203.0.113.7", User: "u"}); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}
}

func TestMutationsRejectedDuringResolution(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	// Another device is resolving: its lock claim has synced in.
	claim := []byte(`{"device_id":"device-b","claimed_at":"2024-08-24T15-30-12.000000000Z"}`)
	if err := os.WriteFile(resolver.LockPath(dir), claim, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if !errors.Is(err, ErrConflictPending) {
		t.Errorf("Expected ErrConflictPending, got %v", err)
	}

	if err := os.Remove(resolver.LockPath(dir)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"}); err != nil {
		t.Errorf("Add after lock removal failed: %v", err)
	}
}

func TestValidationRejected(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	if _, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "not-an-ip", User: "deploy"}); err == nil {
		t.Error("invalid server accepted")
	}

	server, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := st.Update(ctx, server.ID, &record.Client{Name: "laptop", DeviceID: "d1"}); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("Expected ErrKindMismatch, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	s1, _ := st.Add(ctx, &record.Server{Name: "bravo", IPAddress: "203.0.113.8", User: "u"})
	st.Add(ctx, &record.Server{Name: "alpha", IPAddress: "203.0.113.7", User: "u"})
	st.Add(ctx, &record.Tunnel{ServerID: s1.ID, Hostname: "zz.example.com"})
	st.Add(ctx, &record.Tunnel{ServerID: s1.ID, Hostname: "aa.example.com"})
	st.Add(ctx, &record.Client{Name: "laptop", DeviceID: "device-self"})
	st.Add(ctx, &record.Client{Name: "desktop", DeviceID: "device-other"})

	servers := st.Servers()
	if len(servers) != 2 || servers[0].DisplayName() != "alpha" {
		t.Errorf("servers not sorted by name: %v", names(servers))
	}

	tunnels := st.Tunnels()
	if len(tunnels) != 2 || tunnels[0].DisplayName() != "aa.example.com" {
		t.Errorf("tunnels not sorted by hostname: %v", names(tunnels))
	}

	clients := st.Clients("device-self")
	if len(clients) != 1 || clients[0].DisplayName() != "desktop" {
		t.Errorf("own device not excluded: %v", names(clients))
	}

	if st.AutomationCredentials() != nil {
		t.Error("credentials reported before any were saved")
	}
	if err := st.SaveAutomationCredentials(ctx, "/keys/id_ed25519", "/keys/id_ed25519.pub"); err != nil {
		t.Fatalf("SaveAutomationCredentials failed: %v", err)
	}
	creds := st.AutomationCredentials()
	if creds == nil {
		t.Fatal("credentials missing after save")
	}

	// Saving again updates the singleton instead of adding a second one.
	if err := st.SaveAutomationCredentials(ctx, "/keys/new", "/keys/new.pub"); err != nil {
		t.Fatalf("second SaveAutomationCredentials failed: %v", err)
	}
	all := st.ListByKind(record.KindAutomationCredentials)
	if len(all) != 1 {
		t.Errorf("Expected singleton credentials, got %d", len(all))
	}
	if all[0].Fields.(*record.AutomationCredentials).PrivateKeyPath != "/keys/new" {
		t.Error("credentials not updated")
	}
}

func TestChangePassword(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	server, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	originalKey, err := st.RecoveryKey()
	if err != nil {
		t.Fatalf("RecoveryKey failed: %v", err)
	}

	if err := st.ChangePassword(ctx, []byte("P1"), []byte("P2")); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// No staging or journal left behind.
	if _, err := os.Stat(st.StagingPath()); !os.IsNotExist(err) {
		t.Error("staging directory left behind")
	}
	if _, err := os.Stat(filepath.Join(dir, RekeyJournalFile)); !os.IsNotExist(err) {
		t.Error("journal left behind")
	}

	// The session continues under the new password.
	if _, err := st.Add(ctx, &record.Server{Name: "web2", IPAddress: "203.0.113.8", User: "deploy"}); err != nil {
		t.Fatalf("Add after rekey failed: %v", err)
	}

	st.Lock()
	if _, err := st.Unlock(ctx, []byte("P1")); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("old password still works: %v", err)
	}
	if _, err := st.Unlock(ctx, []byte("P2")); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}

	got, ok := st.Get(server.ID)
	if !ok {
		t.Fatal("record lost across rekey")
	}
	if got.Fields.(*record.Server).Name != "web1" {
		t.Error("record content changed across rekey")
	}

	// The recovery key is carried over, re-encrypted.
	key, err := st.RecoveryKey()
	if err != nil {
		t.Fatalf("RecoveryKey failed: %v", err)
	}
	if key != originalKey {
		t.Error("recovery key changed across rekey")
	}
}

func TestChangePasswordWrongOld(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))

	err := st.ChangePassword(context.Background(), []byte("wrong"), []byte("P2"))
	if !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}

	st.Lock()
	if _, err := st.Unlock(context.Background(), []byte("P1")); err != nil {
		t.Errorf("store damaged by failed rekey: %v", err)
	}
}

func TestInterruptedRekeyResumesOnUnlock(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	server, err := st.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	st.Lock()

	// Reproduce a crash after the journal was written but before any
	// staged file was published: stage every ciphertext file under P2
	// by hand and leave the journal in place.
	files, err := st.ciphertextFiles()
	if err != nil {
		t.Fatalf("ciphertextFiles failed: %v", err)
	}
	if err := os.MkdirAll(st.StagingPath(), 0700); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, name := range files {
		blob, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		reblob, err := crypto.ReEncrypt(blob, []byte("P1"), []byte("P2"))
		if err != nil {
			t.Fatalf("ReEncrypt failed: %v", err)
		}
		if err := os.WriteFile(filepath.Join(st.StagingPath(), name), reblob, 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	journal := `{"started_at":"2024-08-24T15-30-12.000000000Z","files":["` + files[0] + `"`
	for _, name := range files[1:] {
		journal += `,"` + name + `"`
	}
	journal += `]}`
	if err := os.WriteFile(filepath.Join(dir, RekeyJournalFile), []byte(journal), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Unlock under the new password finishes the publish first.
	if _, err := st.Unlock(ctx, []byte("P2")); err != nil {
		t.Fatalf("Unlock after interrupted rekey failed: %v", err)
	}
	if _, ok := st.Get(server.ID); !ok {
		t.Error("record lost across resumed rekey")
	}
	if _, err := os.Stat(filepath.Join(dir, RekeyJournalFile)); !os.IsNotExist(err) {
		t.Error("journal not cleaned up")
	}
	if _, err := os.Stat(st.StagingPath()); !os.IsNotExist(err) {
		t.Error("staging not cleaned up")
	}
}

func TestReloadPicksUpExternalEvents(t *testing.T) {
	dir := t.TempDir()
	st := openUnlocked(t, dir, []byte("P1"))
	ctx := context.Background()

	// A second store handle on the same folder stands in for a synced-in
	// device.
	other := openUnlocked(t, dir, []byte("P1"))
	added, err := other.Add(ctx, &record.Server{Name: "web1", IPAddress: "203.0.113.7", User: "deploy"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, ok := st.Get(added.ID); ok {
		t.Error("event visible before Reload")
	}
	if err := st.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, ok := st.Get(added.ID); !ok {
		t.Error("event missing after Reload")
	}
}

func names(recs []*record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.DisplayName()
	}
	return out
}
