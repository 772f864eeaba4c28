package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/resolver"
	"tunnelvault/internal/security"
)

const (
	// RekeyStagingDir holds re-encrypted copies of every ciphertext file
	// while a password change is in flight.
	RekeyStagingDir = "rekey.staging"
	// RekeyJournalFile is the password change's commit point: once it
	// exists, the staged set is complete and publishing is safe to
	// repeat until it is removed.
	RekeyJournalFile = "rekey.journal"
)

type rekeyJournal struct {
	StartedAt string   `json:"started_at"`
	Files     []string `json:"files"`
}

// StagingPath returns the staging directory location.
func (s *Store) StagingPath() string {
	return filepath.Join(s.dir, RekeyStagingDir)
}

func (s *Store) journalPath() string {
	return filepath.Join(s.dir, RekeyJournalFile)
}

// ChangePassword re-encrypts every ciphertext file under a new master
// password. The change is staged: all files are re-encrypted into a
// side directory first, a journal marks the point of no return, and
// only then are the staged files renamed into place one by one. A crash
// at any point leaves the store openable under exactly one of the two
// passwords, and the next unlock finishes or discards the staging.
func (s *Store) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.password == nil {
		return ErrLocked
	}
	if resolver.Pending(s.dir) {
		return ErrConflictPending
	}
	// Conflict artifacts are ciphertext under the old password; rekeying
	// around them would strand them undecryptable. Resolve first.
	artifacts, err := s.log.ConflictArtifacts()
	if err != nil {
		return err
	}
	if len(artifacts) > 0 {
		return fmt.Errorf("%w: conflict artifacts must be resolved before a password change", ErrConflictPending)
	}

	if err := s.VerifyPassword(oldPassword); err != nil {
		return err
	}

	files, err := s.ciphertextFiles()
	if err != nil {
		return err
	}

	staging := s.StagingPath()
	if err := os.MkdirAll(staging, 0700); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		blob, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		reblob, err := crypto.ReEncrypt(blob, oldPassword, newPassword)
		if err != nil {
			return fmt.Errorf("failed to re-encrypt %s: %w", name, err)
		}
		if err := eventlog.WriteFileAtomic(filepath.Join(staging, name), reblob); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}

	journal, err := json.Marshal(rekeyJournal{
		StartedAt: eventlog.EncodeStamp(time.Now()),
		Files:     files,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	if err := eventlog.WriteFileAtomic(s.journalPath(), journal); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	if err := s.publishStaged(files); err != nil {
		return err
	}
	if err := os.Remove(s.journalPath()); err != nil {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}

	s.setPassword(newPassword)
	s.logger.Info("master password changed", "files", len(files))
	return nil
}

// ciphertextFiles lists every file encrypted under the master password:
// all content deltas plus the verification and recovery blobs.
func (s *Store) ciphertextFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.Contains(name, eventlog.ConflictMarker) {
			continue
		}
		if strings.HasSuffix(name, ".patch") {
			files = append(files, name)
		}
	}

	files = append(files, VerificationFile)
	if _, err := os.Stat(filepath.Join(s.dir, RecoveryFile)); err == nil {
		files = append(files, RecoveryFile)
	}
	return files, nil
}

// publishStaged renames staged files into place. Already-published
// entries are skipped, so a resumed publish picks up where it stopped.
func (s *Store) publishStaged(files []string) error {
	for _, name := range files {
		if err := security.ValidateFileName(name); err != nil {
			return fmt.Errorf("refusing to publish %q: %w", name, err)
		}
		src := filepath.Join(s.StagingPath(), name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}
	return nil
}

// resumeRekey finishes or discards an interrupted password change.
// With a journal present the staged set is complete, so publishing is
// replayed; without one the staging never committed and is discarded.
func (s *Store) resumeRekey() error {
	data, err := os.ReadFile(s.journalPath())
	if os.IsNotExist(err) {
		if _, err := os.Stat(s.StagingPath()); err == nil {
			s.logger.Warn("discarding uncommitted password-change staging")
			return os.RemoveAll(s.StagingPath())
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read password-change journal: %w", err)
	}

	var journal rekeyJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		return fmt.Errorf("password-change journal is corrupt: %w", err)
	}

	s.logger.Info("resuming interrupted password change",
		"started_at", journal.StartedAt, "files", len(journal.Files))
	if err := s.publishStaged(journal.Files); err != nil {
		return err
	}
	if err := os.Remove(s.journalPath()); err != nil {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return os.RemoveAll(s.StagingPath())
}
