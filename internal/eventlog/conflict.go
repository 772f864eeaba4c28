package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ConflictMarker is the substring the file synchronizer inserts when it
// renames the losing copy of a concurrently edited file.
const ConflictMarker = ".sync-conflict-"

// conflictRe matches the synchronizer's conflict infix, e.g.
// ".sync-conflict-20240824-153012-ABCDEF7". Stripping it recovers the
// original filename.
var conflictRe = regexp.MustCompile(`\.sync-conflict-\d{8}-\d{6}-[A-Z0-9]+`)

// Artifact is a conflict-marked file the synchronizer left behind.
type Artifact struct {
	Name     string // literal filename as found on disk
	Original string // filename with the conflict infix stripped
	Manifest bool   // true when the artifact lives under history/
}

// Path returns the artifact's location within the store.
func (a Artifact) Path(root string) string {
	if a.Manifest {
		return filepath.Join(root, HistoryDir, a.Name)
	}
	return filepath.Join(root, a.Name)
}

// ConflictArtifacts scans the store root and the history directory for
// conflict-marked files.
func (l *DirLog) ConflictArtifacts() ([]Artifact, error) {
	var artifacts []Artifact

	scan := func(dir string, manifest bool) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.Contains(name, ConflictMarker) {
				continue
			}
			artifacts = append(artifacts, Artifact{
				Name:     name,
				Original: conflictRe.ReplaceAllString(name, ""),
				Manifest: manifest,
			})
		}
		return nil
	}

	if err := scan(l.root, false); err != nil {
		return nil, err
	}
	if err := scan(l.history, true); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// RemoveArtifacts deletes conflict-marked files once a resolution has
// been committed.
func (l *DirLog) RemoveArtifacts(artifacts []Artifact) error {
	for _, a := range artifacts {
		if err := os.Remove(a.Path(l.root)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove artifact %s: %w", a.Name, err)
		}
	}
	return nil
}

// UnionLog exposes the base log merged with the events embedded in
// conflict-marked artifacts, each read under its original filename.
// The resolver reconstructs candidate unified state from this view.
type UnionLog struct {
	base *DirLog
}

// NewUnion wraps a directory log with its conflict artifacts.
func NewUnion(base *DirLog) *UnionLog {
	return &UnionLog{base: base}
}

func (u *UnionLog) Manifests(ctx context.Context) ([]ManifestEvent, error) {
	events, err := u.base.Manifests(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.Timestamp+"_"+ev.RecordID] = true
	}

	artifacts, err := u.base.ConflictArtifacts()
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		if !a.Manifest {
			continue
		}
		if _, _, ok := parseEventName(a.Original, manifestSuffix); !ok {
			continue
		}
		ev, err := u.base.readManifest(a.Path(u.base.root))
		if err != nil {
			u.base.logger.Warn("skipping corrupt conflict manifest", "file", a.Name, "error", err)
			continue
		}
		if seen[ev.Timestamp+"_"+ev.RecordID] {
			continue
		}
		seen[ev.Timestamp+"_"+ev.RecordID] = true
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].RecordID < events[j].RecordID
	})
	return events, nil
}

func (u *UnionLog) Patches(ctx context.Context, recordID string) ([]PatchEvent, error) {
	events, err := u.base.Patches(ctx, recordID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.Timestamp] = true
	}

	artifacts, err := u.base.ConflictArtifacts()
	if err != nil {
		return nil, err
	}
	suffix := "_" + recordID + patchSuffix
	for _, a := range artifacts {
		if a.Manifest || !strings.HasSuffix(a.Original, suffix) {
			continue
		}
		stamp, _, ok := parseEventName(a.Original, patchSuffix)
		if !ok || seen[stamp] {
			continue
		}
		data, err := os.ReadFile(a.Path(u.base.root))
		if err != nil {
			u.base.logger.Warn("skipping unreadable conflict patch", "file", a.Name, "error", err)
			continue
		}
		seen[stamp] = true
		events = append(events, PatchEvent{RecordID: recordID, Timestamp: stamp, Ciphertext: data})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events, nil
}
