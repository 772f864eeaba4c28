package store

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"tunnelvault/internal/crypto"
)

// PasswordEnv overrides interactive password prompts when set, for
// scripting and tests.
const PasswordEnv = "TUNNELVAULT_PASSWORD"

// ReadPassword reads a password from the terminal without echoing.
// The caller is responsible for crypto.ClearBytes on the result.
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// ReadPasswordConfirm reads a password twice and ensures they match.
func ReadPasswordConfirm() ([]byte, error) {
	password1, err := ReadPassword("Enter new password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password1)

	password2, err := ReadPassword("Confirm new password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password2)

	if !crypto.ConstantTimeCompare(password1, password2) {
		return nil, fmt.Errorf("passwords do not match")
	}

	result := make([]byte, len(password1))
	copy(result, password1)
	return result, nil
}

// PasswordFromEnv returns the password from the environment, or nil.
func PasswordFromEnv() []byte {
	password := os.Getenv(PasswordEnv)
	if password == "" {
		return nil
	}
	// Copy so clearing the result never touches the environment value.
	result := make([]byte, len(password))
	copy(result, []byte(password))
	return result
}
