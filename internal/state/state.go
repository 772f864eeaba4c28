// Package state derives current and historical record state by
// replaying the append-only event log.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/delta"
	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/record"
)

// Reconstructor replays a log into in-memory state. It holds no state
// of its own beyond its collaborators; every call rescans the log.
type Reconstructor struct {
	log    eventlog.Reader
	codec  *delta.Codec
	logger *slog.Logger
}

func New(log eventlog.Reader, codec *delta.Codec, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{log: log, codec: codec, logger: logger}
}

// LiveIDs runs the liveness pass: scan all manifest events in order,
// inserting on add, removing on remove, ignoring update. An update
// after a remove is a replay artifact and must not resurrect the
// record; only a later add does.
func (r *Reconstructor) LiveIDs(ctx context.Context) ([]string, error) {
	manifests, err := r.log.Manifests(ctx)
	if err != nil {
		return nil, err
	}

	live := map[string]bool{}
	var order []string
	for _, ev := range manifests {
		switch ev.Action {
		case eventlog.ActionAdd:
			if !live[ev.RecordID] {
				live[ev.RecordID] = true
				order = append(order, ev.RecordID)
			}
		case eventlog.ActionRemove:
			delete(live, ev.RecordID)
		}
	}

	ids := make([]string, 0, len(live))
	for _, id := range order {
		if live[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Content folds all of a record's content deltas, seeded from the
// empty string. Undecryptable patches are skipped and logged so one
// bad event cannot take the record's remaining history with it.
func (r *Reconstructor) Content(ctx context.Context, recordID string, password []byte) (string, error) {
	return r.contentUpTo(ctx, recordID, "", password)
}

// ContentAt folds only the deltas with timestamps at or before asOf.
// Events arrive chronologically sorted, so iteration stops at the
// first event past the cutoff.
func (r *Reconstructor) ContentAt(ctx context.Context, recordID string, asOf time.Time, password []byte) (string, error) {
	return r.contentUpTo(ctx, recordID, eventlog.EncodeStamp(asOf), password)
}

func (r *Reconstructor) contentUpTo(ctx context.Context, recordID, cutoff string, password []byte) (string, error) {
	patches, err := r.log.Patches(ctx, recordID)
	if err != nil {
		return "", err
	}

	content := ""
	for _, ev := range patches {
		if cutoff != "" && ev.Timestamp > cutoff {
			break
		}
		patchText, err := crypto.Decrypt(ev.Ciphertext, password)
		if err != nil {
			r.logger.Warn("skipping undecryptable patch",
				"record", recordID, "timestamp", ev.Timestamp, "error", err)
			continue
		}
		next, err := r.codec.Apply(string(patchText), content)
		crypto.ClearBytes(patchText)
		if err != nil {
			r.logger.Warn("skipping malformed patch",
				"record", recordID, "timestamp", ev.Timestamp, "error", err)
			continue
		}
		content = next
	}
	return content, nil
}

// Rebuild runs the full two-pass reconstruction: liveness over the
// manifest events, then per-live-record content folding and parsing.
// A record whose final text fails to parse is excluded and logged;
// partial availability beats total failure.
func (r *Reconstructor) Rebuild(ctx context.Context, password []byte) (map[string]*record.Record, error) {
	ids, err := r.LiveIDs(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*record.Record, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := r.Content(ctx, id, password)
		if err != nil {
			return nil, err
		}
		rec, err := record.Decode(content)
		if err != nil {
			r.logger.Warn("excluding unparsable record", "record", id, "error", err)
			continue
		}
		result[id] = rec
	}

	r.logger.Debug("state reconstructed", "records", len(result))
	return result, nil
}

// Version is one entry in a record's timeline.
type Version struct {
	Action    eventlog.Action
	Timestamp time.Time
}

// Versions lists a record's lifecycle events in chronological order,
// including those before a remove. History survives deletion.
func (r *Reconstructor) Versions(ctx context.Context, recordID string) ([]Version, error) {
	manifests, err := r.log.Manifests(ctx)
	if err != nil {
		return nil, err
	}

	var versions []Version
	for _, ev := range manifests {
		if ev.RecordID != recordID {
			continue
		}
		ts, err := eventlog.DecodeStamp(ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("manifest for %s has bad timestamp: %w", recordID, err)
		}
		versions = append(versions, Version{Action: ev.Action, Timestamp: ts})
	}
	return versions, nil
}
