package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/keyring"
	"tunnelvault/internal/resolver"
	"tunnelvault/internal/store"
)

// DirEnv overrides the default store directory.
const DirEnv = "TUNNELVAULT_DIR"

// PasswordSource records where a password came from, so commands can
// offer to save a manually typed one to the keyring.
type PasswordSource int

const (
	SourceEnv PasswordSource = iota
	SourceKeyring
	SourcePrompt
)

// Setup configures logging and resolves the store directory from the
// flag, the environment, or the per-user config location.
func Setup(dirFlag string, verbose bool) string {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if dirFlag != "" {
		return dirFlag
	}
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir
	}
	config, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "tunnelvault-store")
	}
	return filepath.Join(config, "tunnelvault", "store")
}

// DevicePath is where the device-local database lives. It sits under
// the user config dir, never inside the synchronized store folder.
func DevicePath() string {
	config, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "tunnelvault-device.db")
	}
	return filepath.Join(config, "tunnelvault", "device.db")
}

// OpenStore opens the store facade or exits.
func OpenStore(dir string) *store.Store {
	st, err := store.Open(store.Options{Dir: dir, Logger: slog.Default()})
	if err != nil {
		HandleError(err)
	}
	return st
}

// GetPassword retrieves the password from the environment, the OS
// keyring, or a terminal prompt, in that order. The caller must
// crypto.ClearBytes the result.
func GetPassword(prompt, dir string) ([]byte, PasswordSource, error) {
	if password := store.PasswordFromEnv(); password != nil {
		return password, SourceEnv, nil
	}
	if stored, err := keyring.GetPassword(dir); err == nil && stored != "" {
		return []byte(stored), SourceKeyring, nil
	}
	password, err := store.ReadPassword(prompt)
	if err != nil {
		return nil, SourcePrompt, err
	}
	return password, SourcePrompt, nil
}

// Unlock unlocks the store, retrying with a prompt when a stale keyring
// entry no longer matches. It prints the recovery key when the store
// was just created, and returns the password source for keyring offers.
func Unlock(ctx context.Context, st *store.Store) PasswordSource {
	password, source, err := GetPassword("Enter password: ", st.Dir())
	if err != nil {
		HandleError(err)
	}
	defer func() { crypto.ClearBytes(password) }()

	recoveryKey, err := st.Unlock(ctx, password)
	if errors.Is(err, crypto.ErrAuthFailed) && source == SourceKeyring {
		// Stale keyring entry: drop it and ask the user directly.
		fmt.Fprintln(os.Stderr, "Stored password no longer works, removing it from keyring")
		_ = keyring.DeletePassword(st.Dir())

		crypto.ClearBytes(password)
		password, err = store.ReadPassword("Enter password: ")
		if err != nil {
			HandleError(err)
		}
		source = SourcePrompt
		recoveryKey, err = st.Unlock(ctx, password)
	}
	if err != nil {
		HandleError(err)
	}

	if recoveryKey != "" {
		fmt.Println("Store created.")
		fmt.Println()
		fmt.Println("Recovery key (shown only once, store it somewhere safe):")
		fmt.Printf("  %s\n", recoveryKey)
		fmt.Println()
	}

	if source == SourcePrompt {
		OfferToSavePassword(st.Dir(), password)
	}
	return source
}

// OfferToSavePassword asks whether to remember a manually typed
// password in the OS keyring.
func OfferToSavePassword(dir string, password []byte) {
	fmt.Print("Save password to OS keyring? [y/N]: ")
	var response string
	fmt.Scanln(&response)
	if strings.ToLower(strings.TrimSpace(response)) != "y" {
		return
	}
	if err := keyring.SavePassword(dir, string(password)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save to keyring: %s\n", err)
		return
	}
	fmt.Println("Password saved to keyring")
}

// HandleError prints a friendly message for the common failures and
// exits.
func HandleError(err error) {
	switch {
	case errors.Is(err, crypto.ErrAuthFailed):
		fmt.Fprintln(os.Stderr, "Error: wrong password")
	case errors.Is(err, crypto.ErrCorrupt):
		fmt.Fprintln(os.Stderr, "Error: store data is corrupt")
	case errors.Is(err, store.ErrConflictPending):
		fmt.Fprintln(os.Stderr, "Error: conflict resolution is pending")
		fmt.Fprintln(os.Stderr, "Run 'tunnelvault resolve' (or wait for the resolving device to finish)")
	case errors.Is(err, resolver.ErrLockContention):
		fmt.Fprintln(os.Stderr, "Error: another device is resolving right now, try again later")
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	case errors.Is(err, store.ErrNotInitialized):
		fmt.Fprintln(os.Stderr, "Error: store not initialized")
		fmt.Fprintln(os.Stderr, "Any unlocking command creates it on first run")
	default:
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(1)
}
