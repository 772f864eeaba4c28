package synccheck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/resolver"
)

func TestInspectHealthyFolder(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.NewDir(dir, nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	report, err := Inspect(log, filepath.Join(dir, "rekey.staging"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(report.ConflictArtifacts) != 0 || report.Lock != nil || report.StaleRekey {
		t.Errorf("healthy folder flagged: %+v", report)
	}
	if Format(report) != "" {
		t.Error("healthy report should format to empty string")
	}
}

func TestInspectFindsProblems(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.NewDir(dir, nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	conflicted := "2024-08-24T15-30-12.000000000Z_7b0d8f5e-99a1-4a9c-8f1e-5d1a2b3c4d5e.sync-conflict-20240824-153012-ABCDEF7.patch"
	if err := os.WriteFile(filepath.Join(dir, conflicted), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	claim, _ := json.Marshal(resolver.Claim{
		DeviceID:  "device-b",
		ClaimedAt: eventlog.EncodeStamp(time.Now().Add(-time.Hour)),
	})
	if err := os.WriteFile(resolver.LockPath(dir), claim, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	staging := filepath.Join(dir, "rekey.staging")
	if err := os.MkdirAll(staging, 0700); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	report, err := Inspect(log, staging)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(report.ConflictArtifacts) != 1 {
		t.Errorf("Expected 1 conflict artifact, got %d", len(report.ConflictArtifacts))
	}
	if report.Lock == nil || report.Lock.DeviceID != "device-b" {
		t.Fatalf("lock not reported: %+v", report.Lock)
	}
	if !report.Lock.Stale {
		t.Error("hour-old lock should be stale")
	}
	if !report.StaleRekey {
		t.Error("leftover staging not reported")
	}

	out := Format(report)
	for _, want := range []string{"conflict artifact", "stale resolution lock", "staging"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted report missing %q:\n%s", want, out)
		}
	}
}
