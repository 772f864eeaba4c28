package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/delta"
	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/record"
	"tunnelvault/internal/resolver"
	"tunnelvault/internal/state"
)

const (
	VerificationFile = "verification.dat"
	RecoveryFile     = "recovery.dat"

	// verificationPlaintext is the fixed known plaintext whose
	// successful decryption authenticates the master password without
	// storing the password anywhere.
	verificationPlaintext = "tunnelvault-verification"
)

var (
	ErrNotInitialized  = errors.New("store not initialized")
	ErrLocked          = errors.New("store is locked")
	ErrNotFound        = errors.New("record not found")
	ErrKindMismatch    = errors.New("record kind cannot change")
	ErrConflictPending = errors.New("conflict resolution pending, mutations rejected until it completes")
)

// Options configures a Store.
type Options struct {
	// Dir is the synchronized folder holding the event log.
	Dir    string
	Logger *slog.Logger
}

// Store is the configuration store facade: it owns the unlock/lock
// lifecycle, exposes typed record operations, and is the only
// component the rest of the application talks to.
//
// A single mutex serializes mutations (single-writer-per-process);
// across devices there is no lock and divergence is handled by the
// resolver's convergence protocol, not prevented.
type Store struct {
	mu     sync.Mutex
	dir    string
	log    *eventlog.DirLog
	codec  *delta.Codec
	recon  *state.Reconstructor
	logger *slog.Logger

	password []byte                    // nil while locked
	records  map[string]*record.Record // incrementally maintained live state
}

// Open prepares a store rooted at opts.Dir. The store starts locked;
// no key material is touched until Unlock.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	log, err := eventlog.NewDir(opts.Dir, logger)
	if err != nil {
		return nil, err
	}

	codec := delta.New()
	return &Store{
		dir:    opts.Dir,
		log:    log,
		codec:  codec,
		recon:  state.New(log, codec, logger),
		logger: logger,
	}, nil
}

func (s *Store) Dir() string           { return s.dir }
func (s *Store) Log() *eventlog.DirLog { return s.log }

// IsConfigured reports whether a master password has ever been set.
func (s *Store) IsConfigured() bool {
	_, err := os.Stat(filepath.Join(s.dir, VerificationFile))
	return err == nil
}

func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != nil
}

// ConflictPending reports whether a resolution lock exists, whichever
// device holds it.
func (s *Store) ConflictPending() bool {
	return resolver.Pending(s.dir)
}

// Unlock authenticates the password and reconstructs state from the
// event log. On first run it creates the store instead and returns the
// freshly generated recovery key, which is shown to the user exactly
// once; every later call returns an empty key.
func (s *Store) Unlock(ctx context.Context, password []byte) (recoveryKey string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resumeRekey(); err != nil {
		return "", err
	}

	checkPath := filepath.Join(s.dir, VerificationFile)
	blob, err := os.ReadFile(checkPath)
	if os.IsNotExist(err) {
		return s.firstRun(ctx, password)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read verification blob: %w", err)
	}

	plain, err := crypto.Decrypt(blob, password)
	if err != nil {
		return "", err
	}
	ok := crypto.ConstantTimeCompare(plain, []byte(verificationPlaintext))
	crypto.ClearBytes(plain)
	if !ok {
		return "", crypto.ErrAuthFailed
	}

	s.setPassword(password)
	records, err := s.recon.Rebuild(ctx, s.password)
	if err != nil {
		s.clearPassword()
		return "", err
	}
	s.records = records

	s.logger.Info("store unlocked", "records", len(records))
	return "", nil
}

// firstRun creates the verification blob and the encrypted recovery
// key, and returns the recovery key plaintext.
func (s *Store) firstRun(ctx context.Context, password []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.logger.Info("first run, creating store", "dir", s.dir)

	check, err := crypto.Encrypt([]byte(verificationPlaintext), password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt verification blob: %w", err)
	}
	if err := eventlog.WriteFileAtomic(filepath.Join(s.dir, VerificationFile), check); err != nil {
		return "", fmt.Errorf("failed to write verification blob: %w", err)
	}

	key, err := crypto.GenerateRecoveryKey()
	if err != nil {
		return "", err
	}
	keyBlob, err := crypto.Encrypt([]byte(key), password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt recovery key: %w", err)
	}
	if err := eventlog.WriteFileAtomic(filepath.Join(s.dir, RecoveryFile), keyBlob); err != nil {
		return "", fmt.Errorf("failed to write recovery key: %w", err)
	}

	s.setPassword(password)
	s.records = map[string]*record.Record{}
	return key, nil
}

// Lock clears the in-memory password and state.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPassword()
	s.records = nil
}

func (s *Store) setPassword(password []byte) {
	s.clearPassword()
	s.password = append([]byte(nil), password...)
}

func (s *Store) clearPassword() {
	crypto.ClearBytes(s.password)
	s.password = nil
}

// Reload discards the incremental in-memory state and rescans the full
// event log, picking up events other devices synced in.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return ErrLocked
	}
	records, err := s.recon.Rebuild(ctx, s.password)
	if err != nil {
		return err
	}
	s.records = records
	return nil
}

// RecoveryKey decrypts and returns the recovery key. The store must be
// unlocked; the key is encrypted under the master password.
func (s *Store) RecoveryKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return "", ErrLocked
	}
	blob, err := os.ReadFile(filepath.Join(s.dir, RecoveryFile))
	if os.IsNotExist(err) {
		return "", ErrNotInitialized
	}
	if err != nil {
		return "", fmt.Errorf("failed to read recovery key: %w", err)
	}
	key, err := crypto.Decrypt(blob, s.password)
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// guardMutation checks the preconditions shared by every mutation.
// Mutations are rejected outright while a resolution lock exists, even
// our own: appending events is allowed only once leadership questions
// are settled, so a device can never discover mid-flight that events
// it just emitted belong to a lost election.
func (s *Store) guardMutation() error {
	if s.password == nil {
		return ErrLocked
	}
	if resolver.Pending(s.dir) {
		return ErrConflictPending
	}
	return nil
}

// Add validates the payload, assigns a fresh id and emits an add event
// with a full-content patch seeded from the empty string.
func (s *Store) Add(ctx context.Context, fields record.Fields) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardMutation(); err != nil {
		return nil, err
	}

	rec := record.New(fields)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, eventlog.ActionAdd, rec, ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update diffs the new payload against the record's last-known value
// and emits an update event carrying only that delta. Identical
// payloads are a no-op. Extra fields written by newer application
// versions are carried over untouched.
func (s *Store) Update(ctx context.Context, id string, fields record.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardMutation(); err != nil {
		return err
	}

	current, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Kind() != fields.Kind() {
		return fmt.Errorf("%w: %s is a %s", ErrKindMismatch, id, current.Kind())
	}

	next := &record.Record{ID: id, Fields: fields, Extra: current.Extra}
	if err := next.Validate(); err != nil {
		return err
	}

	oldText, err := current.Encode()
	if err != nil {
		return err
	}
	newText, err := next.Encode()
	if err != nil {
		return err
	}
	if oldText == newText {
		return nil
	}
	return s.commit(ctx, eventlog.ActionUpdate, next, oldText)
}

// Delete emits a remove event. The record's event history survives for
// audit; only liveness ends, and the id is never reused.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardMutation(); err != nil {
		return err
	}

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := s.log.Append(ctx, eventlog.ActionRemove, id, nil); err != nil {
		return err
	}

	delete(s.records, id)

	index := s.log.ReadIndex()
	delete(index, id)
	if err := s.log.WriteIndex(index); err != nil {
		s.logger.Warn("failed to update display index", "error", err)
	}
	return nil
}

// commit encrypts and appends an add/update event, then applies it to
// the in-memory state and the display index. State is maintained
// incrementally; the full log is only replayed on unlock or Reload.
func (s *Store) commit(ctx context.Context, action eventlog.Action, rec *record.Record, oldText string) error {
	newText, err := rec.Encode()
	if err != nil {
		return err
	}

	patch := s.codec.Make(oldText, newText)
	ciphertext, err := crypto.Encrypt([]byte(patch), s.password)
	if err != nil {
		return fmt.Errorf("failed to encrypt patch: %w", err)
	}
	if _, err := s.log.Append(ctx, action, rec.ID, ciphertext); err != nil {
		return err
	}

	s.records[rec.ID] = rec

	index := s.log.ReadIndex()
	index[rec.ID] = eventlog.IndexEntry{Name: rec.DisplayName(), Kind: string(rec.Kind())}
	if err := s.log.WriteIndex(index); err != nil {
		s.logger.Warn("failed to update display index", "error", err)
	}
	return nil
}

// Get returns a live record by id. The returned record is shared;
// callers must treat it as read-only and go through Update to change it.
func (s *Store) Get(id string) (*record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// ListByKind returns live records of one kind sorted by display name.
func (s *Store) ListByKind(kind record.Kind) []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*record.Record
	for _, rec := range s.records {
		if rec.Kind() == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DisplayName(), out[j].DisplayName()
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Servers lists server records sorted by name.
func (s *Store) Servers() []*record.Record {
	return s.ListByKind(record.KindServer)
}

// Tunnels lists tunnel records sorted by hostname.
func (s *Store) Tunnels() []*record.Record {
	return s.ListByKind(record.KindTunnel)
}

// Clients lists paired devices, excluding this device's own record.
func (s *Store) Clients(selfDeviceID string) []*record.Record {
	all := s.ListByKind(record.KindClient)
	out := all[:0]
	for _, rec := range all {
		if c, ok := rec.Fields.(*record.Client); ok && c.DeviceID == selfDeviceID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// AutomationCredentials returns the credentials singleton, or nil.
func (s *Store) AutomationCredentials() *record.Record {
	recs := s.ListByKind(record.KindAutomationCredentials)
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

// SaveAutomationCredentials creates or updates the credentials singleton.
func (s *Store) SaveAutomationCredentials(ctx context.Context, privateKeyPath, publicKeyPath string) error {
	fields := &record.AutomationCredentials{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
	}
	if existing := s.AutomationCredentials(); existing != nil {
		return s.Update(ctx, existing.ID, fields)
	}
	_, err := s.Add(ctx, fields)
	return err
}

// Versions lists a record's event timeline, deletion included.
func (s *Store) Versions(ctx context.Context, id string) ([]state.Version, error) {
	return s.recon.Versions(ctx, id)
}

// ContentAt reconstructs a record's serialized content as of a past
// time. A time before the record existed yields the empty string.
func (s *Store) ContentAt(ctx context.Context, id string, asOf time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return "", ErrLocked
	}
	return s.recon.ContentAt(ctx, id, asOf, s.password)
}

// NewResolver builds a conflict resolver bound to this store's log.
func (s *Store) NewResolver(opts resolver.Options) *resolver.Resolver {
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return resolver.New(s.log, s.codec, opts)
}

// BeginResolution runs the resolver's election and union
// reconstruction under this store's password. The store's mutex is not
// held across the propagation window; mutations are instead fenced by
// the resolution lock file itself.
func (s *Store) BeginResolution(ctx context.Context, r *resolver.Resolver) (*resolver.Resolution, error) {
	s.mu.Lock()
	if s.password == nil {
		s.mu.Unlock()
		return nil, ErrLocked
	}
	password := append([]byte(nil), s.password...)
	s.mu.Unlock()
	defer crypto.ClearBytes(password)

	return r.Begin(ctx, password)
}

// CommitResolution commits the decided resolution and replaces the
// in-memory state with a full rescan of the converged log.
func (s *Store) CommitResolution(ctx context.Context, r *resolver.Resolver, res *resolver.Resolution, winners map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return ErrLocked
	}
	if err := r.Commit(ctx, res, winners, s.password); err != nil {
		return err
	}
	records, err := s.recon.Rebuild(ctx, s.password)
	if err != nil {
		return err
	}
	s.records = records
	return nil
}

// RebuildIndex regenerates the display index from live state, for when
// the advisory cache was lost or clobbered by the synchronizer.
func (s *Store) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return ErrLocked
	}
	index := make(map[string]eventlog.IndexEntry, len(s.records))
	for id, rec := range s.records {
		index[id] = eventlog.IndexEntry{Name: rec.DisplayName(), Kind: string(rec.Kind())}
	}
	return s.log.WriteIndex(index)
}

// VerifyPassword checks a password against the verification blob
// without changing the store's lifecycle state.
func (s *Store) VerifyPassword(password []byte) error {
	blob, err := os.ReadFile(filepath.Join(s.dir, VerificationFile))
	if os.IsNotExist(err) {
		return ErrNotInitialized
	}
	if err != nil {
		return fmt.Errorf("failed to read verification blob: %w", err)
	}
	plain, err := crypto.Decrypt(blob, password)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(plain)
	if !bytes.Equal(plain, []byte(verificationPlaintext)) {
		return crypto.ErrAuthFailed
	}
	return nil
}
