// Package resolver reconciles divergent event logs produced when the
// external file synchronizer mirrors the store across devices.
//
// Most concurrent edits merge for free: event filenames embed unique
// timestamps and record ids, so the synchronizer simply accumulates
// files from every device. Two situations need explicit work:
//
//  1. the synchronizer conflict-renamed a literal file because the same
//     file was edited on two devices before syncing, and
//  2. two devices independently created records describing the same
//     real-world entity under different ids (a natural-key collision),
//     which the id scheme alone cannot detect.
//
// Any device observing either situation runs the protocol: claim the
// resolution lock, wait a propagation window, confirm the claim
// survived, reconstruct unified state from the union of all events,
// hand natural-key collision groups to the caller for a decision, then
// commit the minimal converging event set and clean up. This is a
// best-effort, time-based heuristic, not consensus: it converges
// eventually rather than linearizably.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/delta"
	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/record"
	"tunnelvault/internal/state"
)

// LockFile is the leader-election claim, written into the synchronized
// folder so the synchronizer propagates it to every device.
const LockFile = "resolve.lock"

// DefaultPropagationWindow is how long a claimant waits for the
// synchronizer to replicate competing claims before trusting its own.
const DefaultPropagationWindow = 10 * time.Second

var (
	ErrLockContention = errors.New("another device holds the resolution lock")
	ErrUndecided      = errors.New("collision group has no decision")
	ErrStaleClaim     = errors.New("resolution lock no longer held by this device")
)

// Claim is the lock file's contents.
type Claim struct {
	DeviceID  string `json:"device_id"`
	ClaimedAt string `json:"claimed_at"`
}

// Options configures a Resolver.
type Options struct {
	DeviceID string
	// PropagationWindow overrides DefaultPropagationWindow when > 0.
	PropagationWindow time.Duration
	Logger            *slog.Logger
}

// Resolver runs the reconciliation protocol against one store.
type Resolver struct {
	log    *eventlog.DirLog
	codec  *delta.Codec
	opts   Options
	logger *slog.Logger
}

func New(log *eventlog.DirLog, codec *delta.Codec, opts Options) *Resolver {
	if opts.PropagationWindow <= 0 {
		opts.PropagationWindow = DefaultPropagationWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{log: log, codec: codec, opts: opts, logger: opts.Logger}
}

// LockPath returns the lock file location for a store root.
func LockPath(root string) string {
	return filepath.Join(root, LockFile)
}

// Pending reports whether a resolution lock exists in root, whoever
// owns it. Mutations must be rejected while it does.
func Pending(root string) bool {
	_, err := os.Stat(LockPath(root))
	return err == nil
}

// ReadClaim returns the current lock claim, or nil when no lock exists.
func ReadClaim(root string) (*Claim, error) {
	data, err := os.ReadFile(LockPath(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resolution lock: %w", err)
	}
	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, fmt.Errorf("resolution lock is corrupt: %w", err)
	}
	return &claim, nil
}

// Detect scans the store for conflict-marked artifacts.
func (r *Resolver) Detect() ([]eventlog.Artifact, error) {
	return r.log.ConflictArtifacts()
}

// CollisionGroup is a set of records sharing a natural key. Exactly one
// winner per group must be designated before Commit.
type CollisionGroup struct {
	Key     string
	Records []*record.Record
}

// Resolution is the suspended middle of the protocol: leadership is
// held, unified state is built, and the caller now supplies a decision
// per collision group (interactively or by policy) before Commit.
type Resolution struct {
	Groups []CollisionGroup

	unified   map[string]*record.Record
	artifacts []eventlog.Artifact
}

// Begin claims the resolution lock and, once leadership is confirmed,
// reconstructs candidate unified state from the union of all events,
// including those embedded in conflict artifacts. It returns
// ErrLockContention when another device's claim exists or survives the
// propagation window; the caller should defer and poll later.
func (r *Resolver) Begin(ctx context.Context, password []byte) (*Resolution, error) {
	existing, err := ReadClaim(r.log.Root())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.DeviceID != r.opts.DeviceID {
		return nil, fmt.Errorf("%w: held by %s", ErrLockContention, existing.DeviceID)
	}

	if existing == nil {
		claim, err := json.Marshal(Claim{
			DeviceID:  r.opts.DeviceID,
			ClaimedAt: eventlog.EncodeStamp(time.Now()),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal claim: %w", err)
		}
		if err := eventlog.WriteFileAtomic(LockPath(r.log.Root()), claim); err != nil {
			return nil, fmt.Errorf("failed to write resolution lock: %w", err)
		}
		r.logger.Info("claimed resolution lock", "device", r.opts.DeviceID)
	}

	// Give the synchronizer time to replicate a competing claim over
	// ours before trusting the election result.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.opts.PropagationWindow):
	}

	confirmed, err := ReadClaim(r.log.Root())
	if err != nil {
		return nil, err
	}
	if confirmed == nil || confirmed.DeviceID != r.opts.DeviceID {
		return nil, fmt.Errorf("%w: lost election", ErrLockContention)
	}

	artifacts, err := r.log.ConflictArtifacts()
	if err != nil {
		return nil, err
	}

	union := state.New(eventlog.NewUnion(r.log), r.codec, r.logger)
	unified, err := union.Rebuild(ctx, password)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Groups:    collisionGroups(unified),
		unified:   unified,
		artifacts: artifacts,
	}, nil
}

// Abort releases the lock without committing, if this device holds it.
func (r *Resolver) Abort() error {
	claim, err := ReadClaim(r.log.Root())
	if err != nil {
		return err
	}
	if claim == nil || claim.DeviceID != r.opts.DeviceID {
		return nil
	}
	return os.Remove(LockPath(r.log.Root()))
}

// collisionGroups buckets records by natural key and keeps the buckets
// holding more than one record, deterministically ordered.
func collisionGroups(records map[string]*record.Record) []CollisionGroup {
	byKey := map[string][]*record.Record{}
	for _, rec := range records {
		key := rec.NaturalKey()
		byKey[key] = append(byKey[key], rec)
	}

	var groups []CollisionGroup
	for key, members := range byKey {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		groups = append(groups, CollisionGroup{Key: key, Records: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// Commit applies the winners (natural key -> surviving record id) to
// the unified state, rewrites every foreign-key reference to a losing
// id, emits the minimal event set converging the local log to the
// resolved state, and removes the lock and all conflict artifacts.
func (r *Resolver) Commit(ctx context.Context, res *Resolution, winners map[string]string, password []byte) error {
	claim, err := ReadClaim(r.log.Root())
	if err != nil {
		return err
	}
	if claim == nil || claim.DeviceID != r.opts.DeviceID {
		return ErrStaleClaim
	}

	target, err := r.resolveTarget(res, winners)
	if err != nil {
		return err
	}

	if err := r.converge(ctx, target, password); err != nil {
		return err
	}

	index := make(map[string]eventlog.IndexEntry, len(target))
	for id, rec := range target {
		index[id] = eventlog.IndexEntry{Name: rec.DisplayName(), Kind: string(rec.Kind())}
	}
	if err := r.log.WriteIndex(index); err != nil {
		r.logger.Warn("failed to rewrite display index", "error", err)
	}

	if err := r.log.RemoveArtifacts(res.artifacts); err != nil {
		return err
	}
	if err := os.Remove(LockPath(r.log.Root())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release resolution lock: %w", err)
	}

	r.logger.Info("conflict resolution committed",
		"records", len(target), "artifacts", len(res.artifacts))
	return nil
}

// resolveTarget drops the losers of every decided group and rewrites
// references to them. Rewrites can create fresh collisions (two
// tunnels converging onto one server under the same hostname); those
// are settled deterministically in favor of the lowest id so that
// every device resolving the same state picks the same survivor.
func (r *Resolver) resolveTarget(res *Resolution, winners map[string]string) (map[string]*record.Record, error) {
	loserToWinner := map[string]string{}
	for _, group := range res.Groups {
		winner, ok := winners[group.Key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndecided, group.Key)
		}
		found := false
		for _, member := range group.Records {
			if member.ID == winner {
				found = true
				continue
			}
			loserToWinner[member.ID] = winner
		}
		if !found {
			return nil, fmt.Errorf("winner %s is not a member of group %s", winner, group.Key)
		}
	}

	target := map[string]*record.Record{}
	for id, rec := range res.unified {
		if _, lost := loserToWinner[id]; lost {
			continue
		}
		clone, err := rec.Clone()
		if err != nil {
			return nil, err
		}
		rewriteReferences(clone, loserToWinner)
		target[id] = clone
	}

	for _, group := range collisionGroups(target) {
		for _, member := range group.Records[1:] {
			r.logger.Info("dropping secondary collision", "key", group.Key, "record", member.ID)
			delete(target, member.ID)
		}
	}
	return target, nil
}

// rewriteReferences redirects foreign keys pointing at a losing id.
func rewriteReferences(rec *record.Record, loserToWinner map[string]string) {
	switch fields := rec.Fields.(type) {
	case *record.Tunnel:
		if winner, ok := loserToWinner[fields.ServerID]; ok {
			fields.ServerID = winner
		}
		if winner, ok := loserToWinner[fields.ClientID]; ok {
			fields.ClientID = winner
		}
	}
}

// converge diffs the resolved target set against locally reconstructed
// state and emits the minimal add/update/remove events. The patch base
// for each record is the fold of its local deltas, so replay remains
// consistent after the conflict artifacts are deleted.
func (r *Resolver) converge(ctx context.Context, target map[string]*record.Record, password []byte) error {
	local := state.New(r.log, r.codec, r.logger)

	liveIDs, err := local.LiveIDs(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	ids := make([]string, 0, len(target))
	for id := range target {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		targetText, err := target[id].Encode()
		if err != nil {
			return err
		}
		baseText, err := local.Content(ctx, id, password)
		if err != nil {
			return err
		}

		var action eventlog.Action
		switch {
		case !live[id]:
			action = eventlog.ActionAdd
		case baseText != targetText:
			action = eventlog.ActionUpdate
		default:
			continue
		}

		ciphertext, err := crypto.Encrypt([]byte(r.codec.Make(baseText, targetText)), password)
		if err != nil {
			return err
		}
		if _, err := r.log.Append(ctx, action, id, ciphertext); err != nil {
			return err
		}
	}

	for _, id := range liveIDs {
		if _, keep := target[id]; keep {
			continue
		}
		if _, err := r.log.Append(ctx, eventlog.ActionRemove, id, nil); err != nil {
			return err
		}
	}
	return nil
}
