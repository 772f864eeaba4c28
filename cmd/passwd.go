package cmd

import (
	"context"
	"fmt"
	"os"

	"tunnelvault/internal/crypto"
	"tunnelvault/internal/keyring"
	"tunnelvault/internal/store"
)

// Passwd changes the master password, re-encrypting every ciphertext
// file in the store.
func Passwd(ctx context.Context, dir string) {
	st := OpenStore(dir)
	if !st.IsConfigured() {
		HandleError(store.ErrNotInitialized)
	}

	currentPassword, _, err := GetPassword("Enter current password: ", dir)
	if err != nil {
		HandleError(err)
	}
	defer crypto.ClearBytes(currentPassword)

	if _, err := st.Unlock(ctx, currentPassword); err != nil {
		HandleError(err)
	}
	defer st.Lock()

	newPassword, err := store.ReadPasswordConfirm()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer crypto.ClearBytes(newPassword)

	if err := st.ChangePassword(ctx, currentPassword, newPassword); err != nil {
		HandleError(err)
	}

	if keyring.HasPassword(dir) {
		if err := keyring.SavePassword(dir, string(newPassword)); err == nil {
			fmt.Println("Keyring updated with new password")
		}
	}

	fmt.Println("password changed successfully")
}
