package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"tunnelvault/internal/security"
)

const (
	HistoryDir     = "history"
	manifestSuffix = "_manifest.json"
	patchSuffix    = ".patch"

	// stampLayout is fixed-width so that lexical order of encoded
	// timestamps equals chronological order. The ':' characters of
	// ISO-8601 are replaced with '-' to stay filename-safe; the UTC
	// offset is written as a literal 'Z'.
	stampLayout = "2006-01-02T15-04-05.000000000"
)

// Action is a record lifecycle transition.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionUpdate || a == ActionRemove
}

// ManifestEvent is one lifecycle event, stored as a small plaintext
// JSON file under history/. Timestamps are kept in their encoded form.
type ManifestEvent struct {
	Action    Action `json:"action"`
	RecordID  string `json:"record_id"`
	Timestamp string `json:"timestamp"`
}

// PatchEvent is one encrypted content delta, stored at the store root.
type PatchEvent struct {
	RecordID   string
	Timestamp  string
	Ciphertext []byte
}

// Reader is the read side of the append-only log.
type Reader interface {
	Manifests(ctx context.Context) ([]ManifestEvent, error)
	Patches(ctx context.Context, recordID string) ([]PatchEvent, error)
}

// Log is an abstract append-only event log. The directory-of-files
// implementation below is the one the external file synchronizer
// replicates; reconstruction code depends only on this interface.
type Log interface {
	Reader
	// Append persists a manifest event and, when encryptedPatch is
	// non-nil, its content delta. It returns the encoded timestamp,
	// which doubles as the event's log position.
	Append(ctx context.Context, action Action, recordID string, encryptedPatch []byte) (string, error)
}

// EncodeStamp converts a time to its filename-safe encoded form.
func EncodeStamp(t time.Time) string {
	return t.UTC().Format(stampLayout) + "Z"
}

// DecodeStamp parses an encoded timestamp back to a UTC time.
func DecodeStamp(stamp string) (time.Time, error) {
	s, ok := strings.CutSuffix(stamp, "Z")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", stamp)
	}
	t, err := time.ParseInLocation(stampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
	}
	return t, nil
}

// DirLog stores the log as individual files in a synchronized folder.
// The directory itself is both the log and its index: listing the
// directory in lexical order yields events in chronological order.
type DirLog struct {
	root    string
	history string
	logger  *slog.Logger

	mu        sync.Mutex
	lastStamp string
}

// NewDir opens (creating if needed) a directory log rooted at root.
func NewDir(root string, logger *slog.Logger) (*DirLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	history := filepath.Join(root, HistoryDir)
	if err := os.MkdirAll(history, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &DirLog{root: root, history: history, logger: logger}, nil
}

// Root returns the store root directory.
func (l *DirLog) Root() string {
	return l.root
}

// nextStamp returns an encoded timestamp strictly greater than any
// previously issued by this DirLog, so a single writer can never emit
// two events with the same (record_id, timestamp) pair.
func (l *DirLog) nextStamp() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamp := EncodeStamp(time.Now())
	if stamp <= l.lastStamp {
		prev, err := DecodeStamp(l.lastStamp)
		if err == nil {
			stamp = EncodeStamp(prev.Add(time.Nanosecond))
		}
	}
	l.lastStamp = stamp
	return stamp
}

// WriteFileAtomic writes data to path via a temporary file and rename,
// so a concurrent reader (or the synchronizer) never observes partial
// content.
func WriteFileAtomic(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// ManifestPath returns the path of a manifest event file.
func (l *DirLog) ManifestPath(stamp, recordID string) string {
	return filepath.Join(l.history, stamp+"_"+recordID+manifestSuffix)
}

// PatchPath returns the path of a content delta file.
func (l *DirLog) PatchPath(stamp, recordID string) string {
	return filepath.Join(l.root, stamp+"_"+recordID+patchSuffix)
}

// Append writes the patch first and the manifest last; the manifest is
// what commits the event, so a crash in between leaves only an orphan
// patch that replay folds in without a version entry.
func (l *DirLog) Append(ctx context.Context, action Action, recordID string, encryptedPatch []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !action.Valid() {
		return "", fmt.Errorf("invalid action %q", action)
	}
	if err := security.ValidateRecordID(recordID); err != nil {
		return "", err
	}

	stamp := l.nextStamp()

	if encryptedPatch != nil {
		if err := WriteFileAtomic(l.PatchPath(stamp, recordID), encryptedPatch); err != nil {
			return "", fmt.Errorf("failed to write patch: %w", err)
		}
	}

	manifest, err := json.Marshal(ManifestEvent{
		Action:    action,
		RecordID:  recordID,
		Timestamp: stamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := WriteFileAtomic(l.ManifestPath(stamp, recordID), manifest); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	return stamp, nil
}

// parseEventName splits "{stamp}_{record_id}{suffix}" into its parts.
func parseEventName(name, suffix string) (stamp, recordID string, ok bool) {
	base, found := strings.CutSuffix(name, suffix)
	if !found {
		return "", "", false
	}
	stamp, recordID, found = strings.Cut(base, "_")
	if !found {
		return "", "", false
	}
	if _, err := DecodeStamp(stamp); err != nil {
		return "", "", false
	}
	if security.ValidateRecordID(recordID) != nil {
		return "", "", false
	}
	return stamp, recordID, true
}

// Manifests lists all manifest events in chronological order. Corrupt
// or foreign files are logged and skipped; a synchronized folder may
// legitimately contain artifacts the log did not write.
func (l *DirLog) Manifests(ctx context.Context) ([]ManifestEvent, error) {
	entries, err := os.ReadDir(l.history)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.Contains(name, ConflictMarker) {
			continue
		}
		if _, _, ok := parseEventName(name, manifestSuffix); !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	events := make([]ManifestEvent, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := l.readManifest(filepath.Join(l.history, name))
		if err != nil {
			l.logger.Warn("skipping corrupt manifest", "file", name, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *DirLog) readManifest(path string) (ManifestEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestEvent{}, err
	}
	var ev ManifestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ManifestEvent{}, err
	}
	if !ev.Action.Valid() || security.ValidateRecordID(ev.RecordID) != nil {
		return ManifestEvent{}, fmt.Errorf("invalid manifest body")
	}
	return ev, nil
}

// Patches lists the encrypted content deltas for one record in
// chronological order.
func (l *DirLog) Patches(ctx context.Context, recordID string) ([]PatchEvent, error) {
	if err := security.ValidateRecordID(recordID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	suffix := "_" + recordID + patchSuffix
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.Contains(name, ConflictMarker) {
			continue
		}
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if _, _, ok := parseEventName(name, patchSuffix); !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	events := make([]PatchEvent, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stamp, _, _ := parseEventName(name, patchSuffix)
		data, err := os.ReadFile(filepath.Join(l.root, name))
		if err != nil {
			l.logger.Warn("skipping unreadable patch", "file", name, "error", err)
			continue
		}
		events = append(events, PatchEvent{
			RecordID:   recordID,
			Timestamp:  stamp,
			Ciphertext: data,
		})
	}
	return events, nil
}
