package cmd

import (
	"context"
	"fmt"
	"os"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/keyring"
	"tunnelvault/internal/store"
)

// KeyringSave verifies the password and stores it in the OS keyring.
func KeyringSave(ctx context.Context, dir string) {
	st := OpenStore(dir)
	if !st.IsConfigured() {
		HandleError(store.ErrNotInitialized)
	}

	password, err := store.ReadPassword("Enter password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer crypto.ClearBytes(password)

	if err := st.VerifyPassword(password); err != nil {
		HandleError(err)
	}

	if err := keyring.SavePassword(dir, string(password)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save to keyring: %s\n", err)
		os.Exit(1)
	}
	fmt.Println("Password saved to keyring")
}

// KeyringForget removes the stored password from the OS keyring.
func KeyringForget(dir string) {
	if err := keyring.DeletePassword(dir); err != nil {
		fmt.Println("No password stored in keyring")
		return
	}
	fmt.Println("Password removed from keyring")
}

// KeyringStatus reports whether a password is stored.
func KeyringStatus(dir string) {
	if keyring.HasPassword(dir) {
		fmt.Println("Password: stored in keyring")
	} else {
		fmt.Println("Password: not stored")
	}
}
